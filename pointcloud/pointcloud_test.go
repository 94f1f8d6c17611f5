package pointcloud

import (
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pcregistration/spatialmath"
)

func TestValidate(t *testing.T) {
	pts := []r3.Vector{{}, {X: 1}, {Y: 1}}
	_, err := NewWithAttributes(pts, make([]color.NRGBA, 2), nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "colors")

	_, err = NewWithAttributes(pts, nil, make([]r3.Vector, 4))
	test.That(t, err, test.ShouldNotBeNil)

	pc, err := NewWithAttributes(pts, make([]color.NRGBA, 3), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.HasColor(), test.ShouldBeTrue)
	test.That(t, pc.HasNormals(), test.ShouldBeFalse)

	bad := New([]r3.Vector{{X: math.NaN()}})
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}

func TestMetaData(t *testing.T) {
	pc := New([]r3.Vector{{X: -1, Y: 2, Z: 0}, {X: 3, Y: -2, Z: 1}, {X: 0, Y: 0, Z: 4}})
	meta := pc.MetaData()
	test.That(t, meta.MinX, test.ShouldEqual, -1.0)
	test.That(t, meta.MaxX, test.ShouldEqual, 3.0)
	test.That(t, meta.MinY, test.ShouldEqual, -2.0)
	test.That(t, meta.MaxZ, test.ShouldEqual, 4.0)
	test.That(t, pc.BoundingDiagonal(), test.ShouldAlmostEqual, math.Sqrt(16+16+16))

	c := pc.Centroid()
	test.That(t, c.X, test.ShouldAlmostEqual, 2.0/3)
	test.That(t, c.Z, test.ShouldAlmostEqual, 5.0/3)

	empty := New(nil)
	test.That(t, empty.BoundingDiagonal(), test.ShouldEqual, 0.0)
	test.That(t, empty.Centroid().Norm(), test.ShouldEqual, 0.0)
}

func TestTransformAndClone(t *testing.T) {
	pc := &PointCloud{
		Points:  []r3.Vector{{X: 1}, {Y: 1}},
		Normals: []r3.Vector{{X: 1}, {Z: 1}},
	}
	tf := spatialmath.NewFromAxisAngle(r3.Vector{Z: 1}, math.Pi/2, r3.Vector{X: 10})
	moved := pc.Transform(tf)

	test.That(t, moved.Points[0].Sub(r3.Vector{X: 10, Y: 1}).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, moved.Normals[0].Sub(r3.Vector{Y: 1}).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, moved.Normals[1].Sub(r3.Vector{Z: 1}).Norm(), test.ShouldBeLessThan, 1e-12)
	// the input is untouched
	test.That(t, pc.Points[0].X, test.ShouldEqual, 1.0)

	clone := pc.Clone()
	clone.Points[0].X = 5
	test.That(t, pc.Points[0].X, test.ShouldEqual, 1.0)

	sub := pc.Subset([]int{1})
	test.That(t, sub.Size(), test.ShouldEqual, 1)
	test.That(t, sub.Normals[0].Z, test.ShouldEqual, 1.0)
}
