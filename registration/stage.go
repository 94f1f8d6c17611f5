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

// StageKind is the closed set of stage algorithms.
type StageKind int

// The known stage kinds. Aligners compute a transform from scratch, refiners improve a given one.
const (
	FeatureRansac StageKind = iota
	FeatureFast
	RegularICP
	ColoredICP
)

func (k StageKind) String() string {
	switch k {
	case FeatureRansac:
		return "feature_ransac"
	case FeatureFast:
		return "feature_fast"
	case RegularICP:
		return "regular_icp"
	case ColoredICP:
		return "colored_icp"
	}
	return fmt.Sprintf("StageKind(%d)", int(k))
}

// IsAligner reports whether the kind computes a transform without an initial guess.
func (k StageKind) IsAligner() bool {
	return k == FeatureRansac || k == FeatureFast
}

// ParseStageKind maps a configured stage type to its kind.
func ParseStageKind(name string) (StageKind, error) {
	switch name {
	case "feature_ransac", "feature_matching_ransac":
		return FeatureRansac, nil
	case "feature_fast", "feature_matching_fast":
		return FeatureFast, nil
	case "regular_icp", "icp":
		return RegularICP, nil
	case "colored_icp":
		return ColoredICP, nil
	}
	return 0, errors.Errorf("unknown stage type %q", name)
}

// Stage is one validated step of a pipeline. Exactly one of the matcher configurations is set, the one
// matching its kind.
type Stage struct {
	name         string
	kind         StageKind
	preprocessor *Preprocessor

	ransac  *FeatureRANSACConfig
	fast    *FeatureFastConfig
	icp     *RegularICPConfig
	colored *ColoredICPConfig
}

// Name returns the configured name of the stage, or its type when unnamed.
func (s *Stage) Name() string {
	return s.name
}

// Kind returns the stage algorithm.
func (s *Stage) Kind() StageKind {
	return s.kind
}

// Preprocessor returns the preprocessing applied to both clouds before the stage runs.
func (s *Stage) Preprocessor() *Preprocessor {
	return s.preprocessor
}

func newStage(path string, config StageConfig, logger logging.Logger) (*Stage, error) {
	if err := config.Validate(path); err != nil {
		return nil, err
	}
	kind, err := ParseStageKind(config.Type)
	if err != nil {
		return nil, err
	}
	stage := &Stage{
		name:         config.Name,
		kind:         kind,
		preprocessor: NewPreprocessor(config.Preprocessor),
	}
	if stage.name == "" {
		stage.name = kind.String()
	}

	matcherPath := fmt.Sprintf("%s.%s", path, "matcher")
	switch kind {
	case FeatureRansac:
		stage.ransac, err = decodeMatcher[*FeatureRANSACConfig](matcherPath, config.Matcher, logger)
	case FeatureFast:
		stage.fast, err = decodeMatcher[*FeatureFastConfig](matcherPath, config.Matcher, logger)
	case RegularICP:
		stage.icp, err = decodeMatcher[*RegularICPConfig](matcherPath, config.Matcher, logger)
	case ColoredICP:
		stage.colored, err = decodeMatcher[*ColoredICPConfig](matcherPath, config.Matcher, logger)
	}
	if err != nil {
		return nil, err
	}
	return stage, nil
}

type matcherConfig interface {
	Validate(path string) error
	applyDefaults()
}

func decodeMatcher[T matcherConfig](path string, attributes utils.AttributeMap, logger logging.Logger) (T, error) {
	config, unused, err := utils.TransformAttributeMap[T](attributes)
	if err != nil {
		var zero T
		return zero, errors.Wrapf(err, "decoding %s", path)
	}
	if len(unused) > 0 {
		logger.Debugw("ignoring unrecognized matcher options", "path", path, "keys", unused)
	}
	if err := config.Validate(path); err != nil {
		var zero T
		return zero, err
	}
	config.applyDefaults()
	return config, nil
}

func (s *Stage) run(
	ctx context.Context,
	target, source *pointcloud.PointCloud,
	initial spatialmath.Transformation,
	logger logging.Logger,
) (Result, error) {
	switch s.kind {
	case FeatureRansac:
		return RegisterFeatureRANSAC(ctx, target, source, s.ransac, logger)
	case FeatureFast:
		return RegisterFeatureFast(ctx, target, source, s.fast, logger)
	case RegularICP:
		return RegisterICP(ctx, target, source, initial, s.icp, nil)
	case ColoredICP:
		return RegisterColoredICP(ctx, target, source, initial, s.colored, nil)
	}
	return Result{}, errors.Errorf("unhandled stage kind %v", s.kind)
}
