package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// VoxelCoordsOf returns the voxel holding pt in a grid of the given spacing anchored at the origin.
func VoxelCoordsOf(pt r3.Vector, spacing float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor(pt.X / spacing)),
		J: int64(math.Floor(pt.Y / spacing)),
		K: int64(math.Floor(pt.Z / spacing)),
	}
}

type voxelAccumulator struct {
	count     int
	pointSum  r3.Vector
	r, g, b   float64
	normalSum r3.Vector
}

// VoxelDownsample collapses the points falling in each voxel of a grid anchored at the world origin
// to their centroid. Colors are averaged and normals are averaged then renormalized. Output points
// keep the order in which their voxels were first seen. Every output point lies in the voxel it
// represents, so downsampling the result again with the same spacing returns the same number of points.
func VoxelDownsample(pc *PointCloud, spacing float64) (*PointCloud, error) {
	if spacing <= 0 || math.IsNaN(spacing) || math.IsInf(spacing, 0) {
		return nil, errors.Errorf("voxel spacing must be a positive number, got %v", spacing)
	}
	hasColor := pc.HasColor()
	hasNormals := pc.HasNormals()

	order := make([]VoxelCoords, 0)
	voxels := make(map[VoxelCoords]*voxelAccumulator)
	for i, p := range pc.Points {
		key := VoxelCoordsOf(p, spacing)
		acc, ok := voxels[key]
		if !ok {
			acc = &voxelAccumulator{}
			voxels[key] = acc
			order = append(order, key)
		}
		acc.count++
		acc.pointSum = acc.pointSum.Add(p)
		if hasColor {
			c := pc.Colors[i]
			acc.r += float64(c.R)
			acc.g += float64(c.G)
			acc.b += float64(c.B)
		}
		if hasNormals {
			acc.normalSum = acc.normalSum.Add(pc.Normals[i])
		}
	}

	out := &PointCloud{Points: make([]r3.Vector, len(order))}
	if hasColor {
		out.Colors = make([]color.NRGBA, len(order))
	}
	if hasNormals {
		out.Normals = make([]r3.Vector, len(order))
	}
	for i, key := range order {
		acc := voxels[key]
		n := float64(acc.count)
		out.Points[i] = snapIntoVoxel(acc.pointSum.Mul(1/n), key, spacing)
		if hasColor {
			out.Colors[i] = color.NRGBA{
				R: uint8(math.Round(acc.r / n)),
				G: uint8(math.Round(acc.g / n)),
				B: uint8(math.Round(acc.b / n)),
				A: 255,
			}
		}
		if hasNormals {
			if norm := acc.normalSum.Norm(); norm > 0 {
				out.Normals[i] = acc.normalSum.Mul(1 / norm)
			} else {
				out.Normals[i] = r3.Vector{Z: 1}
			}
		}
	}
	return out, nil
}

// snapIntoVoxel nudges a centroid that rounding pushed just outside its voxel back inside.
func snapIntoVoxel(p r3.Vector, key VoxelCoords, spacing float64) r3.Vector {
	return r3.Vector{
		X: snapAxis(p.X, key.I, spacing),
		Y: snapAxis(p.Y, key.J, spacing),
		Z: snapAxis(p.Z, key.K, spacing),
	}
}

func snapAxis(v float64, cell int64, spacing float64) float64 {
	for i := 0; i < 64; i++ {
		got := int64(math.Floor(v / spacing))
		switch {
		case got < cell:
			v = math.Nextafter(v, math.Inf(1))
		case got > cell:
			v = math.Nextafter(v, math.Inf(-1))
		default:
			return v
		}
	}
	return v
}
