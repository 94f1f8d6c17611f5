package spatialmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestComposeInverse(t *testing.T) {
	a := NewFromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, 0.7, r3.Vector{X: 4, Y: -1, Z: 0.5})
	b := NewFromRotationTranslation(NewFromAxisAngle(r3.Vector{Z: 1}, -1.2, r3.Vector{}).Rotation(),
		r3.Vector{X: -2, Y: 3, Z: 1}, 2.5)

	test.That(t, a.IsValid(1e-9), test.ShouldBeTrue)
	test.That(t, b.IsValid(1e-9), test.ShouldBeTrue)
	test.That(t, b.Scale(), test.ShouldAlmostEqual, 2.5)

	test.That(t, a.Compose(a.Inverse()).ApproxEqual(NewIdentity(), 1e-9), test.ShouldBeTrue)
	test.That(t, b.Inverse().Compose(b).ApproxEqual(NewIdentity(), 1e-9), test.ShouldBeTrue)

	p := r3.Vector{X: 0.3, Y: -0.7, Z: 2}
	ab := a.Compose(b)
	expected := a.Apply(b.Apply(p))
	got := ab.Apply(p)
	test.That(t, got.Sub(expected).Norm(), test.ShouldBeLessThan, 1e-9)

	test.That(t, b.Inverse().Apply(b.Apply(p)).Sub(p).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestDecompose(t *testing.T) {
	trans := r3.Vector{X: 1, Y: 0, Z: -3}
	tf := NewFromAxisAngle(r3.Vector{Z: 1}, math.Pi/2, trans)
	s, rot, tr := tf.Decompose()
	test.That(t, s, test.ShouldAlmostEqual, 1.0)
	test.That(t, tr.Sub(trans).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, rot.At(0, 1), test.ShouldAlmostEqual, -1.0)
	test.That(t, rot.At(1, 0), test.ShouldAlmostEqual, 1.0)

	euler := tf.EulerZYX()
	test.That(t, euler.Z, test.ShouldAlmostEqual, 90.0)
	test.That(t, euler.Y, test.ShouldAlmostEqual, 0.0)
	test.That(t, euler.X, test.ShouldAlmostEqual, 0.0)
	test.That(t, tf.RotationAngle(), test.ShouldAlmostEqual, math.Pi/2)

	// a normal turns with the rotation but ignores translation
	n := tf.ApplyNormal(r3.Vector{X: 1})
	test.That(t, n.Sub(r3.Vector{Y: 1}).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestMatrixRoundTrip(t *testing.T) {
	tf := NewFromAxisAngle(r3.Vector{X: 1, Y: 1}, 0.4, r3.Vector{X: 0.1, Y: 0.2, Z: 0.3})
	m := tf.Matrix()
	test.That(t, m[3], test.ShouldAlmostEqual, 0.1)
	test.That(t, m[7], test.ShouldAlmostEqual, 0.2)
	test.That(t, m[11], test.ShouldAlmostEqual, 0.3)
	test.That(t, m[15], test.ShouldEqual, 1.0)

	back, err := NewFromMatrix(m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.ApproxEqual(tf, 1e-12), test.ShouldBeTrue)

	m[1] = 5 // shear
	_, err = NewFromMatrix(m)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestToleranceIsAbsolute(t *testing.T) {
	tf := NewFromAxisAngle(r3.Vector{X: 1, Y: -2, Z: 0.5}, 1.1, r3.Vector{X: 3, Y: 0, Z: -2})
	m := tf.Matrix()
	for i := range m {
		m[i] = math.Round(m[i]*1e9) / 1e9
	}
	rounded, err := NewFromMatrix(m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rounded.IsValid(1e-8), test.ShouldBeTrue)
	test.That(t, rounded.ApproxEqual(tf, 1e-9), test.ShouldBeTrue)

	// entries compared against zero use the same absolute bound
	test.That(t, NewIdentity().ApproxEqual(NewTranslation(r3.Vector{X: 1e-12}), 1e-9), test.ShouldBeTrue)
	test.That(t, NewIdentity().ApproxEqual(NewTranslation(r3.Vector{X: 1e-6}), 1e-9), test.ShouldBeFalse)
}

func TestTwist(t *testing.T) {
	test.That(t, NewFromTwist(r3.Vector{}, r3.Vector{}).ApproxEqual(NewIdentity(), 0), test.ShouldBeTrue)
	tf := NewFromTwist(r3.Vector{Z: 0.1}, r3.Vector{X: 1})
	test.That(t, tf.RotationAngle(), test.ShouldAlmostEqual, 0.1)
	test.That(t, tf.Translation().X, test.ShouldAlmostEqual, 1.0)
}

func TestEstimateSimilarity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := make([]r3.Vector, 50)
	for i := range src {
		src[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	truth := NewFromRotationTranslation(
		NewFromAxisAngle(r3.Vector{X: 0.2, Y: -1, Z: 0.4}, 1.1, r3.Vector{}).Rotation(),
		r3.Vector{X: 3, Y: -2, Z: 1},
		1.7,
	)
	dst := make([]r3.Vector, len(src))
	for i, p := range src {
		dst[i] = truth.Apply(p)
	}

	est, err := EstimateSimilarity(src, dst, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, est.ApproxEqual(truth, 1e-9), test.ShouldBeTrue)

	rigid, err := EstimateSimilarity(src, dst, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rigid.Scale(), test.ShouldAlmostEqual, 1.0)
	test.That(t, rigid.IsValid(1e-9), test.ShouldBeTrue)

	weights := make([]float64, len(src))
	for i := range weights {
		weights[i] = float64(i%3) + 0.5
	}
	weighted, err := EstimateWeightedSimilarity(src, dst, weights, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, weighted.ApproxEqual(truth, 1e-9), test.ShouldBeTrue)
}

func TestEstimateSimilarityDegenerate(t *testing.T) {
	_, err := EstimateSimilarity([]r3.Vector{{}, {X: 1}}, []r3.Vector{{}, {X: 1}}, false)
	test.That(t, err, test.ShouldNotBeNil)

	line := []r3.Vector{{}, {X: 1}, {X: 2}, {X: 3}}
	_, err = EstimateSimilarity(line, line, false)
	test.That(t, err, test.ShouldNotBeNil)

	same := []r3.Vector{{X: 1}, {X: 1}, {X: 1}}
	_, err = EstimateSimilarity(same, same, true)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = EstimateSimilarity(line, line[:3], false)
	test.That(t, err, test.ShouldNotBeNil)
}
