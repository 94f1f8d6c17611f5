// Package registration aligns pairs of point clouds with a pipeline of a coarse aligner followed by
// iterative refiners.
package registration

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"go.viam.com/pcregistration/logging"
	"go.viam.com/pcregistration/pointcloud"
	"go.viam.com/pcregistration/spatialmath"
	"go.viam.com/pcregistration/utils"
)

// CloudRole tells a PreprocessFunc which side of the pair it is preparing.
type CloudRole int

// The two sides of a registration pair.
const (
	TargetCloud CloudRole = iota
	SourceCloud
)

func (r CloudRole) String() string {
	if r == TargetCloud {
		return "target"
	}
	return "source"
}

// PreprocessFunc prepares a cloud for a stage. The default applies the stage's preprocessor directly;
// callers replace it to cache preprocessed clouds by Preprocessor.Key.
type PreprocessFunc func(ctx context.Context, role CloudRole, p *Preprocessor, cloud *pointcloud.PointCloud) (
	*pointcloud.PointCloud, error)

// StageCallback observes every completed stage with the clouds it ran on.
type StageCallback func(stage string, target, source *pointcloud.PointCloud, result Result)

type applyOptions struct {
	initial    *spatialmath.Transformation
	callback   StageCallback
	preprocess PreprocessFunc
}

// ApplyOption configures a single Pipeline.Apply call.
type ApplyOption func(*applyOptions)

// WithInitialTransform starts the refiners from t. The aligner, if any, is skipped.
func WithInitialTransform(t spatialmath.Transformation) ApplyOption {
	return func(o *applyOptions) {
		o.initial = &t
	}
}

// WithStageCallback calls cb after each stage.
func WithStageCallback(cb StageCallback) ApplyOption {
	return func(o *applyOptions) {
		o.callback = cb
	}
}

// WithPreprocessFunc replaces how stages preprocess their input clouds.
func WithPreprocessFunc(fn PreprocessFunc) ApplyOption {
	return func(o *applyOptions) {
		o.preprocess = fn
	}
}

func applyPreprocessor(ctx context.Context, _ CloudRole, p *Preprocessor, cloud *pointcloud.PointCloud) (
	*pointcloud.PointCloud, error,
) {
	return p.Apply(ctx, cloud)
}

// Pipeline is an optional aligner followed by refiners. It holds no mutable state and may be applied
// to many pairs concurrently.
type Pipeline struct {
	aligner  *Stage
	refiners []*Stage
	logger   logging.Logger
}

// Build decodes and validates a pipeline configuration with an "aligner" stage and a "refiner" list.
// Any problem is reported as a *ConfigurationError.
func Build(conf utils.AttributeMap, logger logging.Logger) (*Pipeline, error) {
	config, unused, err := utils.TransformAttributeMap[*PipelineConfig](conf)
	if err != nil {
		return nil, newConfigurationError("pipeline", err)
	}
	if len(unused) > 0 {
		logger.Debugw("ignoring unrecognized pipeline options", "keys", unused)
	}
	if config.Aligner == nil && len(config.Refiners) == 0 {
		return nil, newConfigurationError("pipeline", errors.New("no aligner or refiner stages"))
	}

	p := &Pipeline{logger: logger}
	if config.Aligner != nil {
		stage, err := newStage("aligner", *config.Aligner, logger)
		if err != nil {
			return nil, newConfigurationError("aligner", err)
		}
		if !stage.kind.IsAligner() {
			return nil, newConfigurationError("aligner", errors.Errorf("%s is a refiner", stage.kind))
		}
		p.aligner = stage
	}
	for idx, stageConfig := range config.Refiners {
		path := fmt.Sprintf("%s.%d", "refiner", idx)
		stage, err := newStage(path, stageConfig, logger)
		if err != nil {
			return nil, newConfigurationError(path, err)
		}
		if stage.kind.IsAligner() {
			return nil, newConfigurationError(path, errors.Errorf("%s is an aligner", stage.kind))
		}
		p.refiners = append(p.refiners, stage)
	}
	return p, nil
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []*Stage {
	var stages []*Stage
	if p.aligner != nil {
		stages = append(stages, p.aligner)
	}
	return append(stages, p.refiners...)
}

// Apply aligns source onto target by running every stage in order, each starting from the transform
// of the previous one, and returns the last stage's result. Without an aligner or an initial transform
// the refiners start from the identity.
func (p *Pipeline) Apply(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	opts ...ApplyOption,
) (Result, error) {
	o := applyOptions{preprocess: applyPreprocessor}
	for _, opt := range opts {
		opt(&o)
	}

	stages := p.Stages()
	t := spatialmath.NewIdentity()
	if o.initial != nil {
		t = *o.initial
		stages = p.refiners
		if len(stages) == 0 {
			return Result{}, errors.New("pipeline has no refiners to apply to the initial transform")
		}
	}

	var result Result
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		tgt, err := o.preprocess(ctx, TargetCloud, stage.preprocessor, target)
		if err != nil {
			return Result{}, errors.Wrapf(err, "stage %q: preprocessing target", stage.name)
		}
		src, err := o.preprocess(ctx, SourceCloud, stage.preprocessor, source)
		if err != nil {
			return Result{}, errors.Wrapf(err, "stage %q: preprocessing source", stage.name)
		}

		result, err = stage.run(ctx, tgt, src, t, p.logger)
		if err != nil {
			return Result{}, errors.Wrapf(err, "stage %q", stage.name)
		}
		p.logger.Debugw("stage complete",
			"stage", stage.name,
			"kind", stage.kind.String(),
			"target_points", tgt.Size(),
			"source_points", src.Size(),
			"fitness", result.Fitness,
			"rmse", result.InlierRMSE,
			"correspondences", result.CorrespondenceCount,
		)
		if o.callback != nil {
			o.callback(stage.name, tgt, src, result)
		}
		t = result.Transformation
	}
	return result, nil
}
