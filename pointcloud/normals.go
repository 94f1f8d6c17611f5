package pointcloud

import (
	"context"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pcregistration/utils"
)

// DefaultOrientation is the direction estimated normals are turned toward when none is given.
var DefaultOrientation = r3.Vector{Z: 1}

// EstimateNormals returns a copy of pc with a unit normal per point. Each normal is the direction of least
// variance of the point's neighborhood: the up to neighbours nearest points within radius, the point
// itself included. Normals are flipped so their dot product with orientation is non negative; exact
// ties prefer +x, then +y, then +z. Points with fewer than three neighbors keep their existing normal,
// or get the orientation. Only cancellation of ctx fails the call.
func EstimateNormals(ctx context.Context, pc *PointCloud, radius float64, neighbours int, orientation r3.Vector) (*PointCloud, error) {
	if orientation.Norm() == 0 {
		orientation = DefaultOrientation
	}
	orientation = orientation.Normalize()

	out := pc.Clone()
	normals := make([]r3.Vector, len(pc.Points))
	tree := NewPointKDTree(pc.Points)
	hadNormals := pc.HasNormals()

	err := utils.ParallelForEach(ctx, len(pc.Points), func(i int) {
		hits := tree.HybridPoint(pc.Points[i], radius, neighbours)
		if len(hits) < 3 {
			if hadNormals && pc.Normals[i].Norm() > 0 {
				normals[i] = pc.Normals[i].Normalize()
			} else {
				normals[i] = orientation
			}
			return
		}
		normals[i] = OrientNormal(planeNormal(pc.Points, hits), orientation)
	})
	if err != nil {
		return nil, err
	}
	out.Normals = normals
	return out, nil
}

// planeNormal returns the eigenvector of the smallest eigenvalue of the neighborhood covariance.
func planeNormal(points []r3.Vector, hits []Neighbor) r3.Vector {
	var mean r3.Vector
	for _, h := range hits {
		mean = mean.Add(points[h.Index])
	}
	mean = mean.Mul(1 / float64(len(hits)))

	var xx, xy, xz, yy, yz, zz float64
	for _, h := range hits {
		d := points[h.Index].Sub(mean)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return r3.Vector{}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// eigenvalues come back in ascending order
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if norm := n.Norm(); norm > 0 {
		return n.Mul(1 / norm)
	}
	return n
}

// OrientNormal flips n, if needed, so that it points into the half space of orientation.
// A zero n becomes the orientation.
func OrientNormal(n, orientation r3.Vector) r3.Vector {
	if n.Norm() == 0 {
		return orientation
	}
	dot := n.Dot(orientation)
	switch {
	case dot < -1e-12:
		return n.Mul(-1)
	case dot > 1e-12:
		return n
	}
	switch {
	case n.X < 0:
		return n.Mul(-1)
	case n.X > 0:
		return n
	case n.Y < 0:
		return n.Mul(-1)
	case n.Y > 0:
		return n
	case n.Z < 0:
		return n.Mul(-1)
	}
	return n
}
