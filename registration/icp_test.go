package registration

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
	"go.viam.com/pcregistration/utils"
)

func TestICPPointToPointMonotonic(t *testing.T) {
	truth := spatialmath.NewFromAxisAngle(r3.Vector{X: 1, Y: 1, Z: 1}, utils.DegToRad(3), r3.Vector{X: 0.02, Y: -0.015, Z: 0.01})
	source := pointcloud.MakeBoxCloud(r3.Vector{X: 1, Y: 0.7, Z: 0.5}, 12)
	target := pointcloud.AddGaussianNoise(source.Transform(truth), 0.002, 1)

	config := &RegularICPConfig{
		Estimation:        PointToPoint,
		DistanceThreshold: 0.3,
		ConvergenceCriteria: ConvergenceCriteria{
			RelativeFitness: 1e-10,
			RelativeRMSE:    1e-10,
			MaxIteration:    100,
		},
	}
	test.That(t, config.Validate("icp"), test.ShouldBeNil)
	config.applyDefaults()

	var history []Result
	result, err := RegisterICP(context.Background(), target, source, spatialmath.NewIdentity(), config,
		func(iteration int, r Result) {
			test.That(t, iteration, test.ShouldEqual, len(history)+1)
			history = append(history, r)
		})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(history), test.ShouldBeGreaterThan, 1)
	test.That(t, result.Iterations, test.ShouldEqual, len(history))

	for i := 1; i < len(history); i++ {
		test.That(t, history[i].Fitness, test.ShouldBeGreaterThanOrEqualTo, history[i-1].Fitness)
		test.That(t, history[i].InlierRMSE, test.ShouldBeLessThanOrEqualTo, history[i-1].InlierRMSE+1e-12)
	}
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	test.That(t, result.InlierRMSE, test.ShouldBeLessThan, 0.01)
	test.That(t, translationError(result.Transformation, truth), test.ShouldBeLessThan, 0.013)
	test.That(t, rotationError(result.Transformation, truth), test.ShouldBeLessThan, utils.DegToRad(0.5))
	test.That(t, result.Transformation.Scale(), test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestICPPointToPointWithScaling(t *testing.T) {
	source := pointcloud.MakeBoxCloud(r3.Vector{X: 1, Y: 0.7, Z: 0.5}, 10)
	truth := spatialmath.NewFromRotationTranslation(
		spatialmath.NewFromAxisAngle(r3.Vector{Z: 1}, utils.DegToRad(2), r3.Vector{}).Rotation(),
		r3.Vector{X: 0.01},
		1.02,
	)
	target := source.Transform(truth)
	config := &RegularICPConfig{Estimation: PointToPoint, WithScaling: true, DistanceThreshold: 0.2}
	test.That(t, config.Validate("icp"), test.ShouldBeNil)
	config.applyDefaults()
	config.ConvergenceCriteria.MaxIteration = 100

	result, err := RegisterICP(context.Background(), target, source, spatialmath.NewIdentity(), config, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Transformation.Scale(), test.ShouldAlmostEqual, 1.02, 1e-3)
}

func TestICPPointToPlane(t *testing.T) {
	truth := spatialmath.NewFromAxisAngle(r3.Vector{Z: 1}, utils.DegToRad(2), r3.Vector{X: 0.05, Y: 0.03, Z: 0.02})
	target, source := heightFieldPair(t, truth)

	config := &RegularICPConfig{DistanceThreshold: 0.2, HuberKernel: &KernelConfig{K: 0.1}}
	test.That(t, config.Validate("icp"), test.ShouldBeNil)
	config.applyDefaults()
	test.That(t, config.Estimation, test.ShouldEqual, PointToPlane)

	result, err := RegisterICP(context.Background(), target, source, spatialmath.NewIdentity(), config, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Fitness, test.ShouldBeGreaterThan, 0.95)
	test.That(t, translationError(result.Transformation, truth), test.ShouldBeLessThan, 0.01)
	test.That(t, rotationError(result.Transformation, truth), test.ShouldBeLessThan, utils.DegToRad(0.2))
	test.That(t, result.Information, test.ShouldNotBeNil)

	t.Run("needs target normals", func(t *testing.T) {
		bare := pointcloud.MakeHeightFieldCloud(10, 10, 0.1)
		_, err := RegisterICP(context.Background(), bare, source, spatialmath.NewIdentity(), config, nil)
		test.That(t, errors.Is(err, ErrMissingNormals), test.ShouldBeTrue)
	})

	t.Run("no correspondences", func(t *testing.T) {
		far := spatialmath.NewTranslation(r3.Vector{Z: 100})
		result, err := RegisterICP(context.Background(), target, source, far, config, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result.Degenerate(), test.ShouldBeTrue)
		test.That(t, result.Fitness, test.ShouldEqual, 0.0)
		test.That(t, result.Iterations, test.ShouldEqual, 0)
		test.That(t, result.Transformation.ApproxEqual(far, 0), test.ShouldBeTrue)
	})
}

func TestColoredICP(t *testing.T) {
	truth := spatialmath.NewFromAxisAngle(r3.Vector{Z: 1}, utils.DegToRad(1.5), r3.Vector{X: 0.04, Y: -0.03, Z: 0.01})
	target, source := heightFieldPair(t, truth)

	lambda := 0.968
	config := &ColoredICPConfig{
		DistanceThreshold: 0.2,
		Estimation:        ColoredICPEstimationConfig{LambdaGeometric: &lambda},
	}
	test.That(t, config.Validate("colored"), test.ShouldBeNil)
	config.applyDefaults()
	test.That(t, *config.LambdaGeometric, test.ShouldEqual, lambda)
	test.That(t, config.GradientRadius, test.ShouldEqual, 0.4)

	result, err := RegisterColoredICP(context.Background(), target, source, spatialmath.NewIdentity(), config, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Fitness, test.ShouldBeGreaterThan, 0.95)
	test.That(t, translationError(result.Transformation, truth), test.ShouldBeLessThan, 0.01)

	t.Run("needs colors", func(t *testing.T) {
		bare := source.Clone()
		bare.Colors = nil
		_, err := RegisterColoredICP(context.Background(), target, bare, spatialmath.NewIdentity(), config, nil)
		test.That(t, errors.Is(err, ErrMissingColors), test.ShouldBeTrue)
	})

	t.Run("needs target normals", func(t *testing.T) {
		bare := target.Clone()
		bare.Normals = nil
		_, err := RegisterColoredICP(context.Background(), bare, source, spatialmath.NewIdentity(), config, nil)
		test.That(t, errors.Is(err, ErrMissingNormals), test.ShouldBeTrue)
	})
}

func TestIntensities(t *testing.T) {
	values := Intensities(nil)
	test.That(t, values, test.ShouldHaveLength, 0)

	values = Intensities(pointcloud.MakeHeightFieldCloud(3, 1, 0.1).Colors)
	test.That(t, values, test.ShouldHaveLength, 3)
	for _, v := range values {
		test.That(t, v, test.ShouldBeBetweenOrEqual, 0, 1)
	}
}
