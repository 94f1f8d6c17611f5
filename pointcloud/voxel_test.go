package pointcloud

import (
	"image/color"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestVoxelDownsample(t *testing.T) {
	pc := &PointCloud{
		Points: []r3.Vector{{X: 0.1, Y: 0.1}, {X: 0.3, Y: 0.3}, {X: 1.5, Y: 0.2}, {X: -0.2}},
		Colors: []color.NRGBA{{R: 100, A: 255}, {R: 200, A: 255}, {G: 50, A: 255}, {B: 10, A: 255}},
	}
	down, err := VoxelDownsample(pc, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Size(), test.ShouldEqual, 3)
	test.That(t, down.Points[0].X, test.ShouldAlmostEqual, 0.2)
	test.That(t, down.Points[0].Y, test.ShouldAlmostEqual, 0.2)
	test.That(t, down.Colors[0].R, test.ShouldEqual, 150)
	test.That(t, down.Points[2].X, test.ShouldAlmostEqual, -0.2)

	_, err = VoxelDownsample(pc, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = VoxelDownsample(pc, -1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestVoxelDownsampleIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	points := make([]r3.Vector, 5000)
	for i := range points {
		points[i] = r3.Vector{X: rng.NormFloat64() * 3, Y: rng.NormFloat64() * 3, Z: rng.Float64()}
	}
	// points sitting exactly on voxel boundaries
	points = append(points, r3.Vector{X: 0.3, Y: 0.3, Z: 0.3}, r3.Vector{X: 0.3, Y: 0.3, Z: 0.3}, r3.Vector{X: 0.3, Y: 0.3, Z: 0.3})
	pc := New(points)

	for _, spacing := range []float64{0.1, 0.25, 0.3, 1} {
		once, err := VoxelDownsample(pc, spacing)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, once.Size(), test.ShouldBeLessThan, pc.Size())
		twice, err := VoxelDownsample(once, spacing)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, twice.Size(), test.ShouldEqual, once.Size())
	}
}

func TestVoxelDownsampleNormals(t *testing.T) {
	pc := &PointCloud{
		Points:  []r3.Vector{{X: 0.1}, {X: 0.2}},
		Normals: []r3.Vector{{X: 1}, {Y: 1}},
	}
	down, err := VoxelDownsample(pc, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Normals, test.ShouldHaveLength, 1)
	test.That(t, down.Normals[0].Norm(), test.ShouldAlmostEqual, 1.0)
	test.That(t, down.Normals[0].X, test.ShouldAlmostEqual, down.Normals[0].Y)
}
