package registration

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
)

func withNormals(t *testing.T, pc *pointcloud.PointCloud, radius float64) *pointcloud.PointCloud {
	t.Helper()
	out, err := pointcloud.EstimateNormals(context.Background(), pc, radius, 30, r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	return out
}

func translationError(a, b spatialmath.Transformation) float64 {
	return a.Translation().Sub(b.Translation()).Norm()
}

func rotationError(a, b spatialmath.Transformation) float64 {
	return a.Compose(b.Inverse()).RotationAngle()
}

func heightFieldPair(t *testing.T, truth spatialmath.Transformation) (*pointcloud.PointCloud, *pointcloud.PointCloud) {
	t.Helper()
	source := pointcloud.MakeHeightFieldCloud(40, 25, 0.1)
	target := source.Transform(truth)
	return withNormals(t, target, 0.25), withNormals(t, source, 0.25)
}

func ransacConfig() *FeatureRANSACConfig {
	config := &FeatureRANSACConfig{
		Feature:     FeatureConfig{Radius: 0.5, Neighbours: 100},
		Validators:  ValidatorConfig{EdgeThreshold: 0.9},
		Convergence: RANSACConvergenceConfig{MaxIteration: 20000},
		Algorithm:   RANSACAlgorithmConfig{DistanceThreshold: 0.05},
		Seed:        7,
	}
	config.applyDefaults()
	return config
}
