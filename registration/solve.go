package registration

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pcregistration/spatialmath"
	"go.viam.com/pcregistration/utils"
)

// normalEquations accumulates J^T W J and J^T W r for a 6 parameter small motion
// (rotation vector, translation).
type normalEquations struct {
	jtj [6][6]float64
	jtr [6]float64
	n   int
}

// add accumulates one residual r with Jacobian row j and weight w.
func (ne *normalEquations) add(j [6]float64, r, w float64) {
	if w == 0 {
		return
	}
	for a := 0; a < 6; a++ {
		ne.jtr[a] += w * j[a] * r
		for b := a; b < 6; b++ {
			ne.jtj[a][b] += w * j[a] * j[b]
		}
	}
	ne.n++
}

// jacobianRow returns [p x d, d], the derivative of d.(R p + t) under a small motion.
func jacobianRow(p, d r3.Vector) [6]float64 {
	c := p.Cross(d)
	return [6]float64{c.X, c.Y, c.Z, d.X, d.Y, d.Z}
}

// solve returns the small motion minimizing the accumulated residuals.
func (ne *normalEquations) solve() (spatialmath.Transformation, error) {
	if ne.n < 6 {
		return spatialmath.NewIdentity(), errors.Wrap(utils.NewNotEnoughPointsError(6, ne.n), "pose update")
	}
	a := mat.NewSymDense(6, nil)
	b := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		b.SetVec(i, -ne.jtr[i])
		for j := i; j < 6; j++ {
			a.SetSym(i, j, ne.jtj[i][j])
		}
	}

	var x mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(&x, b); err != nil {
			return spatialmath.NewIdentity(), errors.Wrap(err, "pose update")
		}
	} else if err := x.SolveVec(a, b); err != nil {
		return spatialmath.NewIdentity(), errors.Wrap(err, "pose update is singular")
	}
	omega := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	v := r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
	return spatialmath.NewFromTwist(omega, v), nil
}
