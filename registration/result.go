package registration

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/spatialmath"
)

// Result is the outcome of one aligner or refiner invocation. Fitness is the fraction of source points
// with a target point within the stage's distance threshold, InlierRMSE the root mean square distance
// over those pairs. Information is the 6x6 information matrix of the inlier pairs and is nil when there
// are none.
type Result struct {
	Transformation      spatialmath.Transformation
	Fitness             float64
	InlierRMSE          float64
	CorrespondenceCount int
	Information         *mat.SymDense
	Iterations          int
}

// Degenerate reports whether the stage found no usable correspondences. The transformation of a
// degenerate result should not be trusted.
func (r Result) Degenerate() bool {
	return r.CorrespondenceCount == 0 || r.Fitness == 0
}

func degenerateResult(initial spatialmath.Transformation, iterations int) Result {
	return Result{Transformation: initial, Iterations: iterations}
}

// LogResult logs a result summary at info level.
func LogResult(logger logging.Logger, stage string, result Result) {
	t := result.Transformation
	translation := t.Translation()
	rotation := t.EulerZYX()
	logger.Infow("registration result",
		"stage", stage,
		"correspondences", result.CorrespondenceCount,
		"fitness", result.Fitness,
		"rmse", result.InlierRMSE,
		"iterations", result.Iterations,
		"scale", t.Scale(),
		"translation", []float64{translation.X, translation.Y, translation.Z},
		"rotation_zyx", []float64{rotation.Z, rotation.Y, rotation.X},
	)
}
