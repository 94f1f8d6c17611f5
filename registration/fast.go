package registration

import (
	"context"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
)

// RegisterFeatureFast coarsely aligns source onto target with fast global registration (Zhou et al.,
// "Fast Global Registration", 2016): mutual FPFH matches are pruned by a tuple consistency test and the
// pose is optimized under a Geman-McClure penalty whose scale shrinks every four iterations. Both clouds
// must carry normals.
func RegisterFeatureFast(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	config *FeatureFastConfig,
	logger logging.Logger,
) (Result, error) {
	if !target.HasNormals() || !source.HasNormals() {
		return Result{}, errors.Wrap(ErrMissingNormals, "feature fast")
	}
	targetFeatures, err := ComputeFPFH(ctx, target, config.Feature.Radius, config.Feature.Neighbours)
	if err != nil {
		return Result{}, err
	}
	sourceFeatures, err := ComputeFPFH(ctx, source, config.Feature.Radius, config.Feature.Neighbours)
	if err != nil {
		return Result{}, err
	}
	correspondences, _, err := matchFeatures(ctx, targetFeatures, sourceFeatures, true, 3)
	if err != nil {
		return Result{}, err
	}

	rng := rand.New(rand.NewSource(config.Algorithm.Seed))
	tuples := tupleTest(rng, target, source, correspondences, config.Algorithm.TupleScale,
		config.Algorithm.MaximumTupleCount)
	logger.Debugw("tuple test", "matches", len(correspondences), "kept", len(tuples))
	if len(tuples) < 3 {
		return degenerateResult(spatialmath.NewIdentity(), 0), nil
	}

	maxDistance := config.Algorithm.MaximumCorrespondenceDistance
	if maxDistance == 0 {
		maxDistance = target.BoundingDiagonal()
	}
	t, iterations, err := optimizeGemanMcClure(ctx, target, source, tuples, maxDistance, config)
	if err != nil {
		return Result{}, err
	}

	tree := pointcloud.NewPointKDTree(target.Points)
	eval, err := evaluate(ctx, source.Transform(t).Points, tree, config.Algorithm.DistanceThreshold)
	if err != nil {
		return Result{}, err
	}
	return eval.result(t, target.Points, iterations), nil
}

// tupleTest keeps the correspondences of random triples whose edge lengths agree between the clouds
// within scale. At most maxTuples triples are accepted out of 100 trials per correspondence.
func tupleTest(
	rng *rand.Rand,
	target, source *pointcloud.PointCloud,
	correspondences []Correspondence,
	scale float64,
	maxTuples int,
) []Correspondence {
	if len(correspondences) < 3 {
		return nil
	}
	seen := make(map[Correspondence]struct{})
	var kept []Correspondence
	sample := make([]int, 3)
	src := make([]r3.Vector, 3)
	dst := make([]r3.Vector, 3)
	accepted := 0
	for trial := 0; trial < 100*len(correspondences) && accepted < maxTuples; trial++ {
		drawDistinct(rng, len(correspondences), sample)
		for k, idx := range sample {
			src[k] = source.Points[correspondences[idx].Source]
			dst[k] = target.Points[correspondences[idx].Target]
		}
		if !edgesConsistent(src, dst, scale) {
			continue
		}
		accepted++
		for _, idx := range sample {
			c := correspondences[idx]
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			kept = append(kept, c)
		}
	}
	return kept
}

func optimizeGemanMcClure(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	correspondences []Correspondence,
	maxDistance float64,
	config *FeatureFastConfig,
) (spatialmath.Transformation, int, error) {
	src := make([]r3.Vector, len(correspondences))
	dst := make([]r3.Vector, len(correspondences))
	for k, c := range correspondences {
		src[k] = source.Points[c.Source]
		dst[k] = target.Points[c.Target]
	}
	weights := make([]float64, len(correspondences))
	moved := make([]r3.Vector, len(correspondences))

	t := spatialmath.NewIdentity()
	mu := maxDistance * maxDistance
	floor := config.Algorithm.DistanceThreshold * config.Algorithm.DistanceThreshold
	iteration := 0
	for ; iteration < config.Algorithm.Iterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return t, iteration, err
		}
		if iteration%4 == 0 && mu > floor {
			mu /= config.Algorithm.DivisionFactor
		}
		for k := range src {
			moved[k] = t.Apply(src[k])
			r2 := moved[k].Sub(dst[k]).Norm2()
			w := mu / (mu + r2)
			weights[k] = w * w
		}
		delta, err := spatialmath.EstimateWeightedSimilarity(moved, dst, weights, false)
		if err != nil {
			break
		}
		t = delta.Compose(t)
	}
	return t, iteration, nil
}
