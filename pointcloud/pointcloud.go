// Package pointcloud defines the point cloud container used by registration together with
// its spatial search, downsampling, normal estimation and file readers.
package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcregistration/spatialmath"
	"go.viam.com/pcregistration/utils"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor   bool
	HasNormals bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// PointCloud is an ordered set of points with optional per point colors and normals.
// When present, Colors and Normals have exactly one entry per point.
type PointCloud struct {
	Points  []r3.Vector
	Colors  []color.NRGBA
	Normals []r3.Vector
}

// New returns a cloud over the given points. The slice is not copied.
func New(points []r3.Vector) *PointCloud {
	return &PointCloud{Points: points}
}

// NewWithPrealloc returns an empty cloud with room for size points.
func NewWithPrealloc(size int) *PointCloud {
	return &PointCloud{Points: make([]r3.Vector, 0, size)}
}

// NewWithAttributes returns a cloud with colors and normals attached, either of which may be nil.
func NewWithAttributes(points []r3.Vector, colors []color.NRGBA, normals []r3.Vector) (*PointCloud, error) {
	pc := &PointCloud{Points: points, Colors: colors, Normals: normals}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return pc, nil
}

// Validate checks that colors and normals, if present, are parallel to the points.
func (pc *PointCloud) Validate() error {
	if pc.Colors != nil && len(pc.Colors) != len(pc.Points) {
		return utils.NewMismatchedLengthError("colors", len(pc.Points), len(pc.Colors))
	}
	if pc.Normals != nil && len(pc.Normals) != len(pc.Points) {
		return utils.NewMismatchedLengthError("normals", len(pc.Points), len(pc.Normals))
	}
	for i, p := range pc.Points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
			return errors.Errorf("point %d is not a number", i)
		}
	}
	return nil
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.Points)
}

// HasColor reports whether every point carries a color.
func (pc *PointCloud) HasColor() bool {
	return len(pc.Colors) > 0 && len(pc.Colors) == len(pc.Points)
}

// HasNormals reports whether every point carries a normal.
func (pc *PointCloud) HasNormals() bool {
	return len(pc.Normals) > 0 && len(pc.Normals) == len(pc.Points)
}

// MetaData returns the attribute flags and axis aligned bounds of the cloud.
func (pc *PointCloud) MetaData() MetaData {
	meta := MetaData{
		HasColor:   pc.HasColor(),
		HasNormals: pc.HasNormals(),
	}
	if len(pc.Points) == 0 {
		return meta
	}
	meta.MinX, meta.MinY, meta.MinZ = math.MaxFloat64, math.MaxFloat64, math.MaxFloat64
	meta.MaxX, meta.MaxY, meta.MaxZ = -math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64
	for _, v := range pc.Points {
		meta.MinX = math.Min(meta.MinX, v.X)
		meta.MinY = math.Min(meta.MinY, v.Y)
		meta.MinZ = math.Min(meta.MinZ, v.Z)
		meta.MaxX = math.Max(meta.MaxX, v.X)
		meta.MaxY = math.Max(meta.MaxY, v.Y)
		meta.MaxZ = math.Max(meta.MaxZ, v.Z)
	}
	return meta
}

// BoundingDiagonal returns the length of the diagonal of the axis aligned bounding box.
func (pc *PointCloud) BoundingDiagonal() float64 {
	if len(pc.Points) == 0 {
		return 0
	}
	meta := pc.MetaData()
	return r3.Vector{X: meta.MaxX - meta.MinX, Y: meta.MaxY - meta.MinY, Z: meta.MaxZ - meta.MinZ}.Norm()
}

// Centroid returns the mean of the points.
func (pc *PointCloud) Centroid() r3.Vector {
	var sum r3.Vector
	if len(pc.Points) == 0 {
		return sum
	}
	for _, p := range pc.Points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(pc.Points)))
}

// Clone returns a deep copy.
func (pc *PointCloud) Clone() *PointCloud {
	out := &PointCloud{Points: append([]r3.Vector(nil), pc.Points...)}
	if pc.Colors != nil {
		out.Colors = append([]color.NRGBA(nil), pc.Colors...)
	}
	if pc.Normals != nil {
		out.Normals = append([]r3.Vector(nil), pc.Normals...)
	}
	return out
}

// Subset returns a new cloud holding the points at the given indices, in that order.
func (pc *PointCloud) Subset(indices []int) *PointCloud {
	out := &PointCloud{Points: make([]r3.Vector, len(indices))}
	if pc.HasColor() {
		out.Colors = make([]color.NRGBA, len(indices))
	}
	if pc.HasNormals() {
		out.Normals = make([]r3.Vector, len(indices))
	}
	for i, idx := range indices {
		out.Points[i] = pc.Points[idx]
		if out.Colors != nil {
			out.Colors[i] = pc.Colors[idx]
		}
		if out.Normals != nil {
			out.Normals[i] = pc.Normals[idx]
		}
	}
	return out
}

// Transform returns a new cloud with every point mapped by t and every normal rotated.
// Colors are shared with the receiver.
func (pc *PointCloud) Transform(t spatialmath.Transformation) *PointCloud {
	out := &PointCloud{Points: make([]r3.Vector, len(pc.Points)), Colors: pc.Colors}
	for i, p := range pc.Points {
		out.Points[i] = t.Apply(p)
	}
	if pc.Normals != nil {
		out.Normals = make([]r3.Vector, len(pc.Normals))
		for i, n := range pc.Normals {
			out.Normals[i] = t.ApplyNormal(n)
		}
	}
	return out
}
