package batch

import (
	"github.com/montanaflynn/stats"
	"github.com/samber/lo"

	"go.viam.com/pcregistration/registration"
)

// ReferenceResults returns the successful results whose target is reference, keyed by source.
func ReferenceResults(reference GroupID, results []PairResult) map[GroupID]registration.Result {
	matching := lo.Filter(results, func(r PairResult, _ int) bool {
		return r.Target.Equal(reference) && r.Kind() == OutcomeSuccess
	})
	return lo.Associate(matching, func(r PairResult) (GroupID, registration.Result) {
		return r.Source, r.Result
	})
}

// Summary aggregates a batch. Fitness and RMSE statistics cover successful pairs only and are zero
// when there are none.
type Summary struct {
	Total         int
	Counts        map[Outcome]int
	MeanFitness   float64
	MedianFitness float64
	MeanRMSE      float64
	MedianRMSE    float64
}

// Summarize counts the outcomes of results and aggregates the quality of the successful ones.
func Summarize(results []PairResult) Summary {
	summary := Summary{
		Total: len(results),
		Counts: lo.CountValuesBy(results, func(r PairResult) Outcome {
			return r.Kind()
		}),
	}
	succeeded := lo.Filter(results, func(r PairResult, _ int) bool {
		return r.Kind() == OutcomeSuccess
	})
	if len(succeeded) == 0 {
		return summary
	}
	fitness := stats.Float64Data(lo.Map(succeeded, func(r PairResult, _ int) float64 {
		return r.Result.Fitness
	}))
	rmse := stats.Float64Data(lo.Map(succeeded, func(r PairResult, _ int) float64 {
		return r.Result.InlierRMSE
	}))
	// non empty input cannot fail
	summary.MeanFitness, _ = stats.Mean(fitness)
	summary.MedianFitness, _ = stats.Median(fitness)
	summary.MeanRMSE, _ = stats.Mean(rmse)
	summary.MedianRMSE, _ = stats.Median(rmse)
	return summary
}
