package registration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
)

// IterationObserver is called after every refinement iteration with the re-evaluated transform,
// fitness and RMSE. The information matrix is not computed for intermediate results.
type IterationObserver func(iteration int, result Result)

// poseStep computes the motion that best aligns the already transformed source points to the target
// under the given correspondences.
type poseStep func(moved []r3.Vector, correspondences []Correspondence) (spatialmath.Transformation, error)

// RegisterICP refines initial as the alignment of source onto target with iterative closest point.
// Point to plane estimation needs target normals.
func RegisterICP(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	initial spatialmath.Transformation,
	config *RegularICPConfig,
	observe IterationObserver,
) (Result, error) {
	kernel := newKernel(config.HuberKernel, config.TukeyKernel)

	var step poseStep
	switch config.Estimation {
	case PointToPoint:
		step = pointToPointStep(target, kernel, config.WithScaling)
	case PointToPlane, "":
		if !target.HasNormals() {
			return Result{}, errors.Wrap(ErrMissingNormals, "point to plane icp target")
		}
		step = pointToPlaneStep(target, kernel)
	default:
		return Result{}, errors.Errorf("unknown icp estimation %q", config.Estimation)
	}
	criteria := config.ConvergenceCriteria
	criteria.applyDefaults()
	return iterateICP(ctx, target, source, initial, config.DistanceThreshold, criteria, step, observe)
}

func pointToPointStep(target *pointcloud.PointCloud, kernel RobustKernel, withScaling bool) poseStep {
	_, unweighted := kernel.(L2Kernel)
	return func(moved []r3.Vector, correspondences []Correspondence) (spatialmath.Transformation, error) {
		src := make([]r3.Vector, len(correspondences))
		dst := make([]r3.Vector, len(correspondences))
		var weights []float64
		if !unweighted {
			weights = make([]float64, len(correspondences))
		}
		for k, c := range correspondences {
			src[k] = moved[c.Source]
			dst[k] = target.Points[c.Target]
			if !unweighted {
				weights[k] = kernel.Weight(src[k].Distance(dst[k]))
			}
		}
		return spatialmath.EstimateWeightedSimilarity(src, dst, weights, withScaling)
	}
}

func pointToPlaneStep(target *pointcloud.PointCloud, kernel RobustKernel) poseStep {
	return func(moved []r3.Vector, correspondences []Correspondence) (spatialmath.Transformation, error) {
		var ne normalEquations
		for _, c := range correspondences {
			s := moved[c.Source]
			n := target.Normals[c.Target]
			r := s.Sub(target.Points[c.Target]).Dot(n)
			ne.add(jacobianRow(s, n), r, kernel.Weight(r))
		}
		return ne.solve()
	}
}

// iterateICP is the loop shared by the ICP variants. Each update is composed on the left of the running
// transform; the loop stops when neither fitness nor RMSE moved by more than the relative criteria, when
// no correspondences remain, or when an update cannot be computed.
func iterateICP(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	initial spatialmath.Transformation,
	threshold float64,
	criteria ConvergenceCriteria,
	step poseStep,
	observe IterationObserver,
) (Result, error) {
	tree := pointcloud.NewPointKDTree(target.Points)
	t := initial
	moved := transformPoints(t, source.Points)
	eval, err := evaluate(ctx, moved, tree, threshold)
	if err != nil {
		return Result{}, err
	}

	iteration := 0
	for iteration < criteria.MaxIteration {
		if len(eval.correspondences) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		delta, err := step(moved, eval.correspondences)
		if err != nil {
			break
		}
		t = delta.Compose(t)
		moved = transformPoints(t, source.Points)

		prev := eval
		eval, err = evaluate(ctx, moved, tree, threshold)
		if err != nil {
			return Result{}, err
		}
		iteration++
		if observe != nil {
			observe(iteration, Result{
				Transformation:      t,
				Fitness:             eval.fitness,
				InlierRMSE:          eval.rmse,
				CorrespondenceCount: len(eval.correspondences),
				Iterations:          iteration,
			})
		}
		if math.Abs(prev.fitness-eval.fitness) < criteria.RelativeFitness &&
			math.Abs(prev.rmse-eval.rmse) < criteria.RelativeRMSE {
			break
		}
	}
	return eval.result(t, target.Points, iteration), nil
}

func transformPoints(t spatialmath.Transformation, points []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}
