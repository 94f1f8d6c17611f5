package registration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
	"go.viam.com/pcregistration/utils"
)

// Correspondence pairs a source point with a target point by index.
type Correspondence struct {
	Source int
	Target int
}

type evaluation struct {
	correspondences []Correspondence
	fitness         float64
	rmse            float64
}

// evaluate matches every (already transformed) source point to its nearest target point and keeps the
// pairs closer than threshold. Correspondences are ordered by source index.
func evaluate(ctx context.Context, source []r3.Vector, target *pointcloud.KDTree, threshold float64) (evaluation, error) {
	if len(source) == 0 || target.Len() == 0 {
		return evaluation{}, nil
	}
	matches := make([]pointcloud.Neighbor, len(source))
	found := make([]bool, len(source))
	threshold2 := threshold * threshold
	err := utils.ParallelForEach(ctx, len(source), func(i int) {
		nn, ok := target.NearestPoint(source[i])
		if ok && nn.Distance2 <= threshold2 {
			matches[i] = nn
			found[i] = true
		}
	})
	if err != nil {
		return evaluation{}, err
	}

	var eval evaluation
	var sum float64
	for i, ok := range found {
		if !ok {
			continue
		}
		eval.correspondences = append(eval.correspondences, Correspondence{Source: i, Target: matches[i].Index})
		sum += matches[i].Distance2
	}
	if n := len(eval.correspondences); n > 0 {
		eval.fitness = float64(n) / float64(len(source))
		eval.rmse = math.Sqrt(sum / float64(n))
	}
	return eval, nil
}

func (e evaluation) result(t spatialmath.Transformation, target []r3.Vector, iterations int) Result {
	if len(e.correspondences) == 0 {
		return degenerateResult(t, iterations)
	}
	return Result{
		Transformation:      t,
		Fitness:             e.fitness,
		InlierRMSE:          e.rmse,
		CorrespondenceCount: len(e.correspondences),
		Information:         InformationMatrix(target, e.correspondences),
		Iterations:          iterations,
	}
}

// EvaluateRegistration scores transformation t as the alignment of source onto target: every
// transformed source point whose nearest target point lies within threshold counts as an inlier.
func EvaluateRegistration(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	t spatialmath.Transformation,
	threshold float64,
) (Result, error) {
	if threshold <= 0 {
		return Result{}, errors.Errorf("distance threshold must be positive, got %v", threshold)
	}
	tree := pointcloud.NewPointKDTree(target.Points)
	eval, err := evaluate(ctx, source.Transform(t).Points, tree, threshold)
	if err != nil {
		return Result{}, err
	}
	return eval.result(t, target.Points, 0), nil
}
