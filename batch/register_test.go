package batch

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/registration"
)

func TestRegisterPartialFailure(t *testing.T) {
	loaders, _ := countingLoaders(0, 1, 2, 4, 5)
	failing := NewGroupID(3, "flooded")
	loaders[failing] = LoaderFunc(func(ctx context.Context) (*pointcloud.PointCloud, error) {
		return nil, errors.New("missing chunk")
	})
	b, err := NewBatch(loaders, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	reference := NewGroupID(0, "visit")
	indices, err := OneWay(reference, b.Keys())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, indices, test.ShouldHaveLength, 5)

	results := Register(context.Background(), b, testPipeline(t), indices, WithWorkers(3))
	test.That(t, results, test.ShouldHaveLength, 5)
	for i, r := range results {
		test.That(t, r.Target, test.ShouldEqual, indices[i].Target)
		test.That(t, r.Source, test.ShouldEqual, indices[i].Source)
		if r.Source.Equal(failing) {
			test.That(t, r.Kind(), test.ShouldEqual, OutcomeLoadFailure)
			test.That(t, r.Err.Error(), test.ShouldContainSubstring, "missing chunk")
			continue
		}
		test.That(t, r.Err, test.ShouldBeNil)
		test.That(t, r.Kind(), test.ShouldEqual, OutcomeSuccess)
		test.That(t, r.Result.Fitness, test.ShouldBeGreaterThan, 0.95)
		expected := -0.005 * float64(r.Source.Key)
		test.That(t, r.Result.Transformation.Translation().X, test.ShouldAlmostEqual, expected, 1e-3)
	}
	test.That(t, results[2].Kind(), test.ShouldEqual, OutcomeLoadFailure)

	summary := Summarize(results)
	test.That(t, summary.Total, test.ShouldEqual, 5)
	test.That(t, summary.Counts[OutcomeSuccess], test.ShouldEqual, 4)
	test.That(t, summary.Counts[OutcomeLoadFailure], test.ShouldEqual, 1)
	test.That(t, summary.MeanFitness, test.ShouldBeGreaterThan, 0.95)
	test.That(t, summary.MedianRMSE, test.ShouldBeLessThan, 0.01)

	byReference := ReferenceResults(reference, results)
	test.That(t, byReference, test.ShouldHaveLength, 4)
	_, ok := byReference[failing]
	test.That(t, ok, test.ShouldBeFalse)
}

func TestRegisterLoadsEachGroupOnce(t *testing.T) {
	loaders, counts := countingLoaders(0, 1, 2, 3, 4, 5, 6, 7)
	b, err := NewBatch(loaders, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	indices, err := CascadeAll(b.Keys()[:5])
	test.That(t, err, test.ShouldBeNil)

	results := Register(context.Background(), b, testPipeline(t), indices, WithWorkers(4), WithPreprocessCache())
	test.That(t, results, test.ShouldHaveLength, 10)
	for _, r := range results {
		test.That(t, r.Kind(), test.ShouldEqual, OutcomeSuccess)
	}
	for key, count := range counts {
		if key < 5 {
			test.That(t, count.Load(), test.ShouldEqual, 1)
		} else {
			test.That(t, count.Load(), test.ShouldEqual, 0)
		}
	}
	// one preprocessed copy per group
	test.That(t, b.preprocessed, test.ShouldHaveLength, 5)
	b.Release(NewGroupID(0, "visit"))
	test.That(t, b.preprocessed, test.ShouldHaveLength, 4)
}

func TestRegisterOrder(t *testing.T) {
	loaders := map[GroupID]Loader{}
	rng := rand.New(rand.NewSource(1))
	for key := 0; key < 8; key++ {
		delay := time.Duration(rng.Intn(20)) * time.Millisecond
		loaders[NewGroupID(key, "visit")] = LoaderFunc(func(ctx context.Context) (*pointcloud.PointCloud, error) {
			time.Sleep(delay)
			return shiftedCloud(key), nil
		})
	}
	b, err := NewBatch(loaders, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	ids := b.Keys()
	indices, err := Cascade([]GroupID{ids[7], ids[2], ids[5], ids[0], ids[3], ids[6], ids[1], ids[4]})
	test.That(t, err, test.ShouldBeNil)

	var mu sync.Mutex
	var seen []Index
	results := Register(context.Background(), b, testPipeline(t), indices, WithWorkers(8),
		WithCallback(func(target, source GroupID, result registration.Result) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, Index{Target: target, Source: source})
			return nil
		}))
	test.That(t, seen, test.ShouldHaveLength, len(indices))
	for i, r := range results {
		test.That(t, r.Err, test.ShouldBeNil)
		test.That(t, r.Target, test.ShouldEqual, indices[i].Target)
		test.That(t, r.Source, test.ShouldEqual, indices[i].Source)
	}
}

func TestRegisterCallbackFailures(t *testing.T) {
	loaders, _ := countingLoaders(0, 1, 2, 3)
	b, err := NewBatch(loaders, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	indices, err := Cascade(b.Keys())
	test.That(t, err, test.ShouldBeNil)

	logger, logs := logging.NewObservedTestLogger(t)
	calls := atomic.NewInt64(0)
	inside := atomic.NewInt64(0)
	overlapped := atomic.NewBool(false)
	results := Register(context.Background(), b, testPipeline(t), indices,
		WithWorkers(3),
		WithLogger(logger),
		WithCallback(func(target, source GroupID, result registration.Result) error {
			if inside.Inc() > 1 {
				overlapped.Store(true)
			}
			defer inside.Dec()
			n := calls.Inc()
			if source.Key == 2 {
				panic("observer bug")
			}
			return errors.Errorf("observer failure %d", n)
		}))
	test.That(t, calls.Load(), test.ShouldEqual, 3)
	test.That(t, overlapped.Load(), test.ShouldBeFalse)
	for _, r := range results {
		test.That(t, r.Kind(), test.ShouldEqual, OutcomeSuccess)
	}
	test.That(t, logs.FilterMessage("progress callback failed").Len(), test.ShouldEqual, 2)
	test.That(t, logs.FilterMessage("progress callback panicked").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("batch registered").Len(), test.ShouldEqual, 1)
}

func TestRegisterCanceled(t *testing.T) {
	loaders, counts := countingLoaders(0, 1, 2, 3, 4)
	b, err := NewBatch(loaders, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	indices, err := OneWay(NewGroupID(0, "visit"), b.Keys())
	test.That(t, err, test.ShouldBeNil)

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		results := Register(ctx, b, testPipeline(t), indices, WithCallback(
			func(GroupID, GroupID, registration.Result) error {
				called = true
				return nil
			}))
		test.That(t, called, test.ShouldBeFalse)
		test.That(t, results, test.ShouldHaveLength, 4)
		for _, r := range results {
			test.That(t, r.Kind(), test.ShouldEqual, OutcomeCanceled)
		}
		for _, count := range counts {
			test.That(t, count.Load(), test.ShouldEqual, 0)
		}
	})

	t.Run("during run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		results := Register(ctx, b, testPipeline(t), indices, WithWorkers(1), WithCallback(
			func(GroupID, GroupID, registration.Result) error {
				cancel()
				return nil
			}))
		test.That(t, results[0].Kind(), test.ShouldEqual, OutcomeSuccess)
		for _, r := range results[1:] {
			test.That(t, r.Kind(), test.ShouldEqual, OutcomeCanceled)
			test.That(t, errors.Is(r.Err, context.Canceled), test.ShouldBeTrue)
		}
	})
}

func TestPairResultKind(t *testing.T) {
	id := NewGroupID(1, "visit")
	degenerate := PairResult{Target: id, Source: id, Result: registration.Result{Fitness: 0}}
	test.That(t, degenerate.Kind(), test.ShouldEqual, OutcomeDegenerate)

	failed := PairResult{Err: errors.Wrap(registration.ErrMissingNormals, "stage \"fine\"")}
	test.That(t, failed.Kind(), test.ShouldEqual, OutcomeRegistrationFailure)

	loadFailed := PairResult{Err: &LoadError{ID: id, Err: errors.New("io")}}
	test.That(t, loadFailed.Kind(), test.ShouldEqual, OutcomeLoadFailure)
	test.That(t, OutcomeLoadFailure.String(), test.ShouldEqual, "load_failure")

	empty := Summarize(nil)
	test.That(t, empty.Total, test.ShouldEqual, 0)
	test.That(t, empty.MeanFitness, test.ShouldEqual, 0.0)
}

func TestRegisterReleaseCompleted(t *testing.T) {
	t.Run("one way with a failing group", func(t *testing.T) {
		loaders, counts := countingLoaders(0, 1, 2, 4, 5)
		loaders[NewGroupID(3, "flooded")] = LoaderFunc(func(ctx context.Context) (*pointcloud.PointCloud, error) {
			return nil, errors.New("missing chunk")
		})
		b, err := NewBatch(loaders, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		indices, err := OneWay(NewGroupID(0, "visit"), b.Keys())
		test.That(t, err, test.ShouldBeNil)

		results := Register(context.Background(), b, testPipeline(t), indices,
			WithWorkers(2), WithPreprocessCache(), WithReleaseCompleted())
		summary := Summarize(results)
		test.That(t, summary.Counts[OutcomeSuccess], test.ShouldEqual, 4)
		test.That(t, summary.Counts[OutcomeLoadFailure], test.ShouldEqual, 1)
		test.That(t, b.loaded, test.ShouldBeEmpty)
		test.That(t, b.preprocessed, test.ShouldBeEmpty)
		for _, count := range counts {
			test.That(t, count.Load(), test.ShouldEqual, 1)
		}
	})

	t.Run("cascade releases as it goes", func(t *testing.T) {
		loaders, counts := countingLoaders(0, 1, 2, 3, 4, 5)
		b, err := NewBatch(loaders, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		indices, err := Cascade(b.Keys())
		test.That(t, err, test.ShouldBeNil)

		var mu sync.Mutex
		var resident []int
		results := Register(context.Background(), b, testPipeline(t), indices, WithReleaseCompleted(),
			WithCallback(func(GroupID, GroupID, registration.Result) error {
				b.mu.Lock()
				defer b.mu.Unlock()
				mu.Lock()
				defer mu.Unlock()
				resident = append(resident, len(b.loaded))
				return nil
			}))
		for _, r := range results {
			test.That(t, r.Kind(), test.ShouldEqual, OutcomeSuccess)
		}
		test.That(t, resident, test.ShouldHaveLength, 5)
		for _, n := range resident {
			test.That(t, n, test.ShouldBeLessThanOrEqualTo, 2)
		}
		test.That(t, b.loaded, test.ShouldBeEmpty)
		for _, count := range counts {
			test.That(t, count.Load(), test.ShouldEqual, 1)
		}
	})

	t.Run("canceled pairs are released on return", func(t *testing.T) {
		loaders, _ := countingLoaders(0, 1, 2, 3)
		b, err := NewBatch(loaders, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		indices, err := Cascade(b.Keys())
		test.That(t, err, test.ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		results := Register(ctx, b, testPipeline(t), indices, WithReleaseCompleted(),
			WithCallback(func(GroupID, GroupID, registration.Result) error {
				cancel()
				return nil
			}))
		test.That(t, results[0].Kind(), test.ShouldEqual, OutcomeSuccess)
		test.That(t, results[2].Kind(), test.ShouldEqual, OutcomeCanceled)
		test.That(t, b.loaded, test.ShouldBeEmpty)
	})
}
