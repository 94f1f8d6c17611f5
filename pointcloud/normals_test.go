package pointcloud

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestEstimateNormalsPlane(t *testing.T) {
	pc := NewWithPrealloc(100)
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			pc.Points = append(pc.Points, r3.Vector{X: float64(i) * 0.1, Y: float64(j) * 0.1, Z: 2})
		}
	}
	withNormals, err := EstimateNormals(context.Background(), pc, 0.25, 30, r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.HasNormals(), test.ShouldBeFalse)
	test.That(t, withNormals.HasNormals(), test.ShouldBeTrue)
	for _, n := range withNormals.Normals {
		test.That(t, n.Z, test.ShouldAlmostEqual, 1.0)
	}

	down, err := EstimateNormals(context.Background(), pc, 0.25, 30, r3.Vector{Z: -1})
	test.That(t, err, test.ShouldBeNil)
	for _, n := range down.Normals {
		test.That(t, n.Z, test.ShouldAlmostEqual, -1.0)
	}
}

func TestEstimateNormalsSphere(t *testing.T) {
	pc := NewWithPrealloc(0)
	for i := 0; i < 40; i++ {
		for j := 3; j < 18; j++ {
			theta := float64(i) * 2 * math.Pi / 40
			phi := float64(j) * math.Pi / 20
			pc.Points = append(pc.Points, r3.Vector{
				X: math.Sin(phi) * math.Cos(theta),
				Y: math.Sin(phi) * math.Sin(theta),
				Z: math.Cos(phi),
			})
		}
	}
	out, err := EstimateNormals(context.Background(), pc, 0.4, 12, r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	for i, n := range out.Normals {
		// radial up to sign
		test.That(t, math.Abs(n.Dot(pc.Points[i])), test.ShouldBeGreaterThan, 0.95)
	}
}

func TestEstimateNormalsSparse(t *testing.T) {
	pc := &PointCloud{
		Points:  []r3.Vector{{}, {X: 10}},
		Normals: []r3.Vector{{X: 1}, {}},
	}
	out, err := EstimateNormals(context.Background(), pc, 1, 30, r3.Vector{Y: 2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Normals[0].X, test.ShouldEqual, 1.0)
	test.That(t, out.Normals[1].Y, test.ShouldEqual, 1.0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EstimateNormals(ctx, pc, 1, 30, r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOrientNormal(t *testing.T) {
	up := r3.Vector{Z: 1}
	test.That(t, OrientNormal(r3.Vector{Z: -1}, up).Z, test.ShouldEqual, 1.0)
	test.That(t, OrientNormal(r3.Vector{X: -1}, up).X, test.ShouldEqual, 1.0)
	test.That(t, OrientNormal(r3.Vector{Y: -1}, up).Y, test.ShouldEqual, 1.0)
	test.That(t, OrientNormal(r3.Vector{}, up).Z, test.ShouldEqual, 1.0)
}
