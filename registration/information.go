package registration

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// InformationMatrix returns the 6x6 information matrix of a set of correspondences, the sum of G^T G
// over the target points of every pair where G = [skew(p)^T | I] is the Jacobian of a point under a
// small motion (rotation vector, translation). Returns nil for an empty set.
func InformationMatrix(target []r3.Vector, correspondences []Correspondence) *mat.SymDense {
	if len(correspondences) == 0 {
		return nil
	}
	var acc [6][6]float64
	for _, c := range correspondences {
		p := target[c.Target]
		// rows of G for the x, y and z residual components
		rows := [3][6]float64{
			{0, p.Z, -p.Y, 1, 0, 0},
			{-p.Z, 0, p.X, 0, 1, 0},
			{p.Y, -p.X, 0, 0, 0, 1},
		}
		for _, g := range rows {
			for i := 0; i < 6; i++ {
				for j := i; j < 6; j++ {
					acc[i][j] += g[i] * g[j]
				}
			}
		}
	}
	info := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			info.SetSym(i, j, acc[i][j])
		}
	}
	return info
}
