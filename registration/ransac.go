package registration

import (
	"context"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
)

type hypothesis struct {
	transformation spatialmath.Transformation
	inliers        int
	rmse           float64
}

func (h hypothesis) betterThan(other hypothesis) bool {
	if h.inliers != other.inliers {
		return h.inliers > other.inliers
	}
	return h.inliers > 0 && h.rmse < other.rmse
}

// RegisterFeatureRANSAC coarsely aligns source onto target by RANSAC over FPFH feature matches. Both
// clouds must carry normals. When no hypothesis survives validation the result is the identity with
// zero fitness.
func RegisterFeatureRANSAC(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	config *FeatureRANSACConfig,
	logger logging.Logger,
) (Result, error) {
	if !target.HasNormals() || !source.HasNormals() {
		return Result{}, errors.Wrap(ErrMissingNormals, "feature ransac")
	}
	targetFeatures, err := ComputeFPFH(ctx, target, config.Feature.Radius, config.Feature.Neighbours)
	if err != nil {
		return Result{}, err
	}
	sourceFeatures, err := ComputeFPFH(ctx, source, config.Feature.Radius, config.Feature.Neighbours)
	if err != nil {
		return Result{}, err
	}

	mutual := config.Algorithm.MutualFilter == nil || *config.Algorithm.MutualFilter
	correspondences, usedMutual, err := matchFeatures(ctx, targetFeatures, sourceFeatures, mutual,
		3*config.Algorithm.SampleCount)
	if err != nil {
		return Result{}, err
	}
	if mutual && !usedMutual {
		logger.Warnw("too few mutual feature matches, falling back to one sided matches",
			"matches", len(correspondences))
	}
	logger.Debugw("feature matches", "count", len(correspondences), "mutual", usedMutual)

	return RegisterCorrespondencesRANSAC(ctx, target, source, correspondences, config)
}

// RegisterCorrespondencesRANSAC runs the RANSAC loop of RegisterFeatureRANSAC on precomputed
// correspondences.
func RegisterCorrespondencesRANSAC(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	correspondences []Correspondence,
	config *FeatureRANSACConfig,
) (Result, error) {
	n := config.Algorithm.SampleCount
	if n < 3 {
		n = DefaultRANSACSampleCount
	}
	if len(correspondences) < n {
		return degenerateResult(spatialmath.NewIdentity(), 0), nil
	}

	checkNormals := config.Validators.NormalThreshold > 0
	if checkNormals && (!target.HasNormals() || !source.HasNormals()) {
		return Result{}, errors.Wrap(ErrMissingNormals, "normal validator")
	}
	cosNormal := math.Cos(config.Validators.NormalThreshold)
	validate := config.Validators.DistanceThreshold
	if validate == 0 {
		validate = config.Algorithm.DistanceThreshold
	}
	inlier2 := config.Algorithm.DistanceThreshold * config.Algorithm.DistanceThreshold
	confidence := config.Convergence.Confidence
	if confidence == 0 {
		confidence = DefaultRANSACConfidence
	}

	rng := rand.New(rand.NewSource(config.Seed))
	sample := make([]int, n)
	src := make([]r3.Vector, n)
	dst := make([]r3.Vector, n)

	var best hypothesis
	maxIteration := config.Convergence.MaxIteration
	iteration := 0
	for ; iteration < maxIteration; iteration++ {
		if iteration%256 == 0 && ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		drawDistinct(rng, len(correspondences), sample)
		for k, idx := range sample {
			src[k] = source.Points[correspondences[idx].Source]
			dst[k] = target.Points[correspondences[idx].Target]
		}
		if !edgesConsistent(src, dst, config.Validators.EdgeThreshold) {
			continue
		}
		t, err := spatialmath.EstimateSimilarity(src, dst, config.PointToPoint.WithScaling)
		if err != nil {
			continue
		}
		if !withinDistance(t, src, dst, validate) {
			continue
		}
		if checkNormals && !normalsConsistent(t, target, source, correspondences, sample, cosNormal) {
			continue
		}

		h := scoreHypothesis(t, target, source, correspondences, inlier2)
		if !h.betterThan(best) {
			continue
		}
		best = h
		w := float64(h.inliers) / float64(len(correspondences))
		if needed := requiredIterations(confidence, w, n); needed < maxIteration {
			maxIteration = needed
		}
	}

	if best.inliers == 0 {
		return degenerateResult(spatialmath.NewIdentity(), iteration), nil
	}
	tree := pointcloud.NewPointKDTree(target.Points)
	eval, err := evaluate(ctx, source.Transform(best.transformation).Points, tree, config.Algorithm.DistanceThreshold)
	if err != nil {
		return Result{}, err
	}
	return eval.result(best.transformation, target.Points, iteration), nil
}

// drawDistinct fills sample with distinct indices in [0, size).
func drawDistinct(rng *rand.Rand, size int, sample []int) {
	for k := range sample {
	draw:
		for {
			idx := rng.Intn(size)
			for _, prev := range sample[:k] {
				if prev == idx {
					continue draw
				}
			}
			sample[k] = idx
			break
		}
	}
}

// edgesConsistent reports whether every edge between sampled source points has a similar length to
// the matching edge between target points. A zero similarity disables the check.
func edgesConsistent(src, dst []r3.Vector, similarity float64) bool {
	if similarity <= 0 {
		return true
	}
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			ds := src[i].Distance(src[j])
			dt := dst[i].Distance(dst[j])
			if ds < dt*similarity || dt < ds*similarity {
				return false
			}
		}
	}
	return true
}

func withinDistance(t spatialmath.Transformation, src, dst []r3.Vector, threshold float64) bool {
	for k := range src {
		if t.Apply(src[k]).Distance(dst[k]) > threshold {
			return false
		}
	}
	return true
}

func normalsConsistent(
	t spatialmath.Transformation,
	target, source *pointcloud.PointCloud,
	correspondences []Correspondence,
	sample []int,
	cosThreshold float64,
) bool {
	for _, idx := range sample {
		c := correspondences[idx]
		if t.ApplyNormal(source.Normals[c.Source]).Dot(target.Normals[c.Target]) < cosThreshold {
			return false
		}
	}
	return true
}

func scoreHypothesis(
	t spatialmath.Transformation,
	target, source *pointcloud.PointCloud,
	correspondences []Correspondence,
	threshold2 float64,
) hypothesis {
	h := hypothesis{transformation: t}
	var sum float64
	for _, c := range correspondences {
		d2 := t.Apply(source.Points[c.Source]).Sub(target.Points[c.Target]).Norm2()
		if d2 < threshold2 {
			h.inliers++
			sum += d2
		}
	}
	if h.inliers > 0 {
		h.rmse = math.Sqrt(sum / float64(h.inliers))
	}
	return h
}

// requiredIterations is the number of samples of size n needed to draw an all inlier sample with the
// given confidence when a fraction w of the correspondences are inliers.
func requiredIterations(confidence, w float64, n int) int {
	if w <= 0 {
		return math.MaxInt
	}
	if w >= 1 {
		return 1
	}
	k := math.Log(1-confidence) / math.Log(1-math.Pow(w, float64(n)))
	if math.IsNaN(k) || k >= math.MaxInt32 {
		return math.MaxInt
	}
	return int(math.Ceil(k))
}
