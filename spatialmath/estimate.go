package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateCorrespondences is returned when the point sets do not constrain a transformation.
var ErrDegenerateCorrespondences = errors.New("correspondences are degenerate")

// EstimateSimilarity returns the least squares transformation mapping src onto dst
// (Umeyama, "Least-squares estimation of transformation parameters between two point patterns", 1991).
// When withScaling is false the scale is fixed at 1 (Kabsch).
func EstimateSimilarity(src, dst []r3.Vector, withScaling bool) (Transformation, error) {
	return EstimateWeightedSimilarity(src, dst, nil, withScaling)
}

// EstimateWeightedSimilarity is EstimateSimilarity with a non-negative weight per pair.
// A nil weights slice weighs every pair equally.
func EstimateWeightedSimilarity(src, dst []r3.Vector, weights []float64, withScaling bool) (Transformation, error) {
	if len(src) != len(dst) {
		return NewIdentity(), errors.Errorf("mismatched correspondence lengths %d and %d", len(src), len(dst))
	}
	if weights != nil && len(weights) != len(src) {
		return NewIdentity(), errors.Errorf("expected %d weights but got %d", len(src), len(weights))
	}
	if len(src) < 3 {
		return NewIdentity(), errors.Wrapf(ErrDegenerateCorrespondences, "need 3 pairs, have %d", len(src))
	}

	weight := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	var total float64
	var muSrc, muDst r3.Vector
	for i := range src {
		w := weight(i)
		total += w
		muSrc = muSrc.Add(src[i].Mul(w))
		muDst = muDst.Add(dst[i].Mul(w))
	}
	if total <= 0 {
		return NewIdentity(), errors.Wrap(ErrDegenerateCorrespondences, "total weight is zero")
	}
	muSrc = muSrc.Mul(1 / total)
	muDst = muDst.Mul(1 / total)

	cov := mat.NewDense(3, 3, nil)
	var srcVar float64
	for i := range src {
		w := weight(i)
		if w == 0 {
			continue
		}
		s := src[i].Sub(muSrc)
		d := dst[i].Sub(muDst)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+w*dv[r]*sv[c])
			}
		}
		srcVar += w * s.Norm2()
	}
	cov.Scale(1/total, cov)
	srcVar /= total
	if srcVar < 1e-18 {
		return NewIdentity(), errors.Wrap(ErrDegenerateCorrespondences, "source points coincide")
	}

	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		return NewIdentity(), errors.New("failed to factorize correspondence covariance")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	// rank 1 covariance means collinear points; rotation about that line is unconstrained
	if values[1] < 1e-12*math.Max(values[0], 1e-300) {
		return NewIdentity(), errors.Wrap(ErrDegenerateCorrespondences, "points are collinear")
	}

	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, sign})

	var rot mat.Dense
	rot.Product(&u, diag, v.T())

	scale := 1.0
	if withScaling {
		scale = (values[0] + values[1] + sign*values[2]) / srcVar
	}

	var r3x3 mgl64.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			r3x3.Set(r, c, rot.At(r, c))
		}
	}
	rotated := r3x3.Mul3x1(mgl64.Vec3{muSrc.X, muSrc.Y, muSrc.Z})
	trans := r3.Vector{
		X: muDst.X - scale*rotated[0],
		Y: muDst.Y - scale*rotated[1],
		Z: muDst.Z - scale*rotated[2],
	}
	return NewFromRotationTranslation(r3x3, trans, scale), nil
}
