package registration

import (
	"fmt"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/pcregistration/utils"
)

// Estimation names for regular ICP.
const (
	PointToPlane = "point_to_plane"
	PointToPoint = "point_to_point"
)

// Defaults applied to stage configurations.
const (
	DefaultNormalRadius       = 0.1
	DefaultNormalNeighbours   = 30
	DefaultFeatureNeighbours  = 100
	DefaultRANSACSampleCount  = 3
	DefaultRANSACMaxIteration = 100000
	DefaultRANSACConfidence   = 0.999
	DefaultICPMaxIteration    = 30
	DefaultRelativeFitness    = 1e-6
	DefaultRelativeRMSE       = 1e-6
	DefaultFastIterations     = 64
	DefaultFastDivisionFactor = 1.4
	DefaultFastTupleScale     = 0.9
	DefaultFastMaxTupleCount  = 1000
)

// PipelineConfig is the decoded form of a pipeline configuration mapping.
type PipelineConfig struct {
	Aligner  *StageConfig  `json:"aligner"`
	Refiners []StageConfig `json:"refiner"`
}

// StageConfig describes one pipeline stage. Matcher holds the options of the stage type and is decoded
// once the type is known.
type StageConfig struct {
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Preprocessor PreprocessorConfig `json:"preprocessor"`
	Matcher      utils.AttributeMap `json:"matcher"`
}

// Validate ensures the stage names a type.
func (config *StageConfig) Validate(path string) error {
	if config.Type == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "type")
	}
	return config.Preprocessor.Validate(fmt.Sprintf("%s.%s", path, "preprocessor"))
}

// PreprocessorConfig describes the preprocessing applied to both clouds before a stage. A nil step is
// skipped.
type PreprocessorConfig struct {
	Downsample      *DownsampleConfig       `json:"downsample"`
	EstimateNormals *NormalEstimationConfig `json:"estimate_normals"`
}

// Validate ensures all parts of the config are valid.
func (config *PreprocessorConfig) Validate(path string) error {
	if config.Downsample != nil {
		if err := config.Downsample.Validate(fmt.Sprintf("%s.%s", path, "downsample")); err != nil {
			return err
		}
	}
	if config.EstimateNormals != nil {
		if err := config.EstimateNormals.Validate(fmt.Sprintf("%s.%s", path, "estimate_normals")); err != nil {
			return err
		}
	}
	return nil
}

// DownsampleConfig configures voxel downsampling.
type DownsampleConfig struct {
	Spacing float64 `json:"spacing"`
}

// Validate ensures the spacing is positive.
func (config *DownsampleConfig) Validate(path string) error {
	if config.Spacing == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "spacing")
	}
	if config.Spacing < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("spacing must be positive, got %v", config.Spacing))
	}
	return nil
}

// NormalEstimationConfig configures normal estimation. Orientation, when set, is the direction normals
// are turned toward.
type NormalEstimationConfig struct {
	Radius      float64   `json:"radius"`
	Neighbours  int       `json:"neighbours"`
	Orientation []float64 `json:"orientation"`
}

// Validate ensures all parts of the config are valid.
func (config *NormalEstimationConfig) Validate(path string) error {
	if config.Radius < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("radius must be positive, got %v", config.Radius))
	}
	if config.Neighbours < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("neighbours must be positive, got %d", config.Neighbours))
	}
	if config.Orientation != nil && len(config.Orientation) != 3 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("orientation must have 3 components, got %d", len(config.Orientation)))
	}
	return nil
}

func (config *NormalEstimationConfig) applyDefaults() {
	if config.Radius == 0 {
		config.Radius = DefaultNormalRadius
	}
	if config.Neighbours == 0 {
		config.Neighbours = DefaultNormalNeighbours
	}
}

// FeatureConfig configures FPFH descriptors.
type FeatureConfig struct {
	Radius     float64 `json:"radius"`
	Neighbours int     `json:"neighbours"`
}

// Validate ensures all parts of the config are valid.
func (config *FeatureConfig) Validate(path string) error {
	if config.Radius == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "radius")
	}
	if config.Radius < 0 || config.Neighbours < 0 {
		return goutils.NewConfigValidationError(path, errors.New("radius and neighbours must be positive"))
	}
	return nil
}

func (config *FeatureConfig) applyDefaults() {
	if config.Neighbours == 0 {
		config.Neighbours = DefaultFeatureNeighbours
	}
}

// PointToPointConfig configures the closed form estimator.
type PointToPointConfig struct {
	WithScaling bool `json:"with_scaling"`
}

// ValidatorConfig configures the checks a RANSAC hypothesis must pass. A zero edge or normal
// threshold disables that check.
type ValidatorConfig struct {
	DistanceThreshold float64 `json:"distance_threshold"`
	EdgeThreshold     float64 `json:"edge_threshold"`
	NormalThreshold   float64 `json:"normal_threshold"`
}

// RANSACConvergenceConfig bounds the RANSAC loop.
type RANSACConvergenceConfig struct {
	MaxIteration int     `json:"max_iteration"`
	Confidence   float64 `json:"confidence"`
}

// RANSACAlgorithmConfig configures hypothesis sampling and scoring.
type RANSACAlgorithmConfig struct {
	DistanceThreshold float64 `json:"distance_threshold"`
	SampleCount       int     `json:"sample_count"`
	MutualFilter      *bool   `json:"mutual_filter"`
}

// FeatureRANSACConfig configures the feature_ransac aligner.
type FeatureRANSACConfig struct {
	Feature      FeatureConfig           `json:"feature"`
	PointToPoint PointToPointConfig      `json:"point_to_point"`
	Validators   ValidatorConfig         `json:"validators"`
	Convergence  RANSACConvergenceConfig `json:"convergence"`
	Algorithm    RANSACAlgorithmConfig   `json:"algorithm"`
	Seed         int64                   `json:"seed"`
}

// Validate ensures all parts of the config are valid.
func (config *FeatureRANSACConfig) Validate(path string) error {
	if err := config.Feature.Validate(fmt.Sprintf("%s.%s", path, "feature")); err != nil {
		return err
	}
	if config.Algorithm.DistanceThreshold == 0 {
		return goutils.NewConfigValidationFieldRequiredError(fmt.Sprintf("%s.%s", path, "algorithm"), "distance_threshold")
	}
	if config.Algorithm.DistanceThreshold < 0 || config.Validators.DistanceThreshold < 0 {
		return goutils.NewConfigValidationError(path, errors.New("distance thresholds must be positive"))
	}
	if config.Algorithm.SampleCount != 0 && config.Algorithm.SampleCount < 3 {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "algorithm"),
			errors.Errorf("sample_count must be at least 3, got %d", config.Algorithm.SampleCount))
	}
	if c := config.Convergence.Confidence; c < 0 || c >= 1 {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "convergence"),
			errors.Errorf("confidence must be in [0, 1), got %v", c))
	}
	if config.Convergence.MaxIteration < 0 {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "convergence"),
			errors.New("max_iteration must be positive"))
	}
	if e := config.Validators.EdgeThreshold; e < 0 || e > 1 {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "validators"),
			errors.Errorf("edge_threshold must be in [0, 1], got %v", e))
	}
	return nil
}

func (config *FeatureRANSACConfig) applyDefaults() {
	config.Feature.applyDefaults()
	if config.Algorithm.SampleCount == 0 {
		config.Algorithm.SampleCount = DefaultRANSACSampleCount
	}
	if config.Algorithm.MutualFilter == nil {
		mutual := true
		config.Algorithm.MutualFilter = &mutual
	}
	if config.Convergence.MaxIteration == 0 {
		config.Convergence.MaxIteration = DefaultRANSACMaxIteration
	}
	if config.Convergence.Confidence == 0 {
		config.Convergence.Confidence = DefaultRANSACConfidence
	}
	if config.Validators.DistanceThreshold == 0 {
		config.Validators.DistanceThreshold = config.Algorithm.DistanceThreshold
	}
}

// FastAlgorithmConfig configures fast global registration. MaximumCorrespondenceDistance is the
// starting scale of the graduated robust kernel; when zero the target's bounding diagonal is used.
type FastAlgorithmConfig struct {
	DistanceThreshold             float64 `json:"distance_threshold"`
	MaximumCorrespondenceDistance float64 `json:"maximum_correspondence_distance"`
	Iterations                    int     `json:"iterations"`
	DivisionFactor                float64 `json:"division_factor"`
	TupleScale                    float64 `json:"tuple_scale"`
	MaximumTupleCount             int     `json:"maximum_tuple_count"`
	Seed                          int64   `json:"seed"`
}

// FeatureFastConfig configures the feature_fast aligner.
type FeatureFastConfig struct {
	Feature   FeatureConfig       `json:"feature"`
	Algorithm FastAlgorithmConfig `json:"algorithm"`
}

// Validate ensures all parts of the config are valid.
func (config *FeatureFastConfig) Validate(path string) error {
	if err := config.Feature.Validate(fmt.Sprintf("%s.%s", path, "feature")); err != nil {
		return err
	}
	algPath := fmt.Sprintf("%s.%s", path, "algorithm")
	if config.Algorithm.DistanceThreshold == 0 {
		return goutils.NewConfigValidationFieldRequiredError(algPath, "distance_threshold")
	}
	if config.Algorithm.DistanceThreshold < 0 || config.Algorithm.MaximumCorrespondenceDistance < 0 {
		return goutils.NewConfigValidationError(algPath, errors.New("distances must be positive"))
	}
	if s := config.Algorithm.TupleScale; s < 0 || s >= 1 {
		return goutils.NewConfigValidationError(algPath, errors.Errorf("tuple_scale must be in (0, 1), got %v", s))
	}
	if d := config.Algorithm.DivisionFactor; d != 0 && d <= 1 {
		return goutils.NewConfigValidationError(algPath, errors.Errorf("division_factor must exceed 1, got %v", d))
	}
	if config.Algorithm.Iterations < 0 || config.Algorithm.MaximumTupleCount < 0 {
		return goutils.NewConfigValidationError(algPath, errors.New("iterations and maximum_tuple_count must be positive"))
	}
	return nil
}

func (config *FeatureFastConfig) applyDefaults() {
	config.Feature.applyDefaults()
	if config.Algorithm.Iterations == 0 {
		config.Algorithm.Iterations = DefaultFastIterations
	}
	if config.Algorithm.DivisionFactor == 0 {
		config.Algorithm.DivisionFactor = DefaultFastDivisionFactor
	}
	if config.Algorithm.TupleScale == 0 {
		config.Algorithm.TupleScale = DefaultFastTupleScale
	}
	if config.Algorithm.MaximumTupleCount == 0 {
		config.Algorithm.MaximumTupleCount = DefaultFastMaxTupleCount
	}
}

// ConvergenceCriteria bounds an ICP loop. Zero values take the defaults.
type ConvergenceCriteria struct {
	RelativeFitness float64 `json:"relative_fitness"`
	RelativeRMSE    float64 `json:"relative_rmse"`
	MaxIteration    int     `json:"max_iteration"`
}

func (config *ConvergenceCriteria) validate(path string) error {
	if config.RelativeFitness < 0 || config.RelativeRMSE < 0 || config.MaxIteration < 0 {
		return goutils.NewConfigValidationError(path, errors.New("convergence criteria must be positive"))
	}
	return nil
}

func (config *ConvergenceCriteria) applyDefaults() {
	if config.RelativeFitness == 0 {
		config.RelativeFitness = DefaultRelativeFitness
	}
	if config.RelativeRMSE == 0 {
		config.RelativeRMSE = DefaultRelativeRMSE
	}
	if config.MaxIteration == 0 {
		config.MaxIteration = DefaultICPMaxIteration
	}
}

// KernelConfig is the parameter of a robust kernel.
type KernelConfig struct {
	K float64 `json:"k"`
}

func validateKernels(path string, huber, tukey *KernelConfig) error {
	if huber != nil && tukey != nil {
		return goutils.NewConfigValidationError(path, errors.New("only one of huber_kernel and tukey_kernel may be set"))
	}
	if huber != nil && huber.K <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(fmt.Sprintf("%s.%s", path, "huber_kernel"), "k")
	}
	if tukey != nil && tukey.K <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(fmt.Sprintf("%s.%s", path, "tukey_kernel"), "k")
	}
	return nil
}

// newKernel returns the configured kernel, or an L2Kernel when none is set.
func newKernel(huber, tukey *KernelConfig) RobustKernel {
	switch {
	case huber != nil:
		return HuberKernel{K: huber.K}
	case tukey != nil:
		return TukeyKernel{K: tukey.K}
	default:
		return L2Kernel{}
	}
}

// RegularICPConfig configures the regular_icp refiner. WithScaling only applies to point_to_point.
type RegularICPConfig struct {
	Estimation          string              `json:"estimation"`
	WithScaling         bool                `json:"with_scaling"`
	DistanceThreshold   float64             `json:"distance_threshold"`
	ConvergenceCriteria ConvergenceCriteria `json:"convergence_criteria"`
	HuberKernel         *KernelConfig       `json:"huber_kernel"`
	TukeyKernel         *KernelConfig       `json:"tukey_kernel"`
}

// Validate ensures all parts of the config are valid.
func (config *RegularICPConfig) Validate(path string) error {
	if config.DistanceThreshold == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "distance_threshold")
	}
	if config.DistanceThreshold < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("distance_threshold must be positive, got %v", config.DistanceThreshold))
	}
	switch config.Estimation {
	case "", PointToPlane, PointToPoint:
	default:
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown estimation %q", config.Estimation))
	}
	if config.WithScaling && config.Estimation != PointToPoint {
		return goutils.NewConfigValidationError(path, errors.New("with_scaling requires point_to_point estimation"))
	}
	if err := config.ConvergenceCriteria.validate(fmt.Sprintf("%s.%s", path, "convergence_criteria")); err != nil {
		return err
	}
	return validateKernels(path, config.HuberKernel, config.TukeyKernel)
}

func (config *RegularICPConfig) applyDefaults() {
	if config.Estimation == "" {
		config.Estimation = PointToPlane
	}
	config.ConvergenceCriteria.applyDefaults()
}

// ColoredICPEstimationConfig is the nested form of the colored ICP blend weight.
type ColoredICPEstimationConfig struct {
	LambdaGeometric *float64 `json:"lambda_geometric"`
}

// ColoredICPConfig configures the colored_icp refiner. LambdaGeometric weighs the geometric term
// against the photometric one and may be given at the top level or under colored_icp_estimation.
type ColoredICPConfig struct {
	DistanceThreshold   float64                    `json:"distance_threshold"`
	LambdaGeometric     *float64                   `json:"lambda_geometric"`
	Estimation          ColoredICPEstimationConfig `json:"colored_icp_estimation"`
	ConvergenceCriteria ConvergenceCriteria        `json:"convergence_criteria"`
	GradientRadius      float64                    `json:"gradient_radius"`
	GradientNeighbours  int                        `json:"gradient_neighbours"`
	HuberKernel         *KernelConfig              `json:"huber_kernel"`
	TukeyKernel         *KernelConfig              `json:"tukey_kernel"`
}

// Validate ensures all parts of the config are valid.
func (config *ColoredICPConfig) Validate(path string) error {
	if config.DistanceThreshold == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "distance_threshold")
	}
	if config.DistanceThreshold < 0 || config.GradientRadius < 0 || config.GradientNeighbours < 0 {
		return goutils.NewConfigValidationError(path, errors.New("distances and neighbour counts must be positive"))
	}
	lambda := config.lambda()
	if lambda == nil {
		return goutils.NewConfigValidationFieldRequiredError(path, "lambda_geometric")
	}
	if *lambda < 0 || *lambda > 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("lambda_geometric must be in [0, 1], got %v", *lambda))
	}
	if err := config.ConvergenceCriteria.validate(fmt.Sprintf("%s.%s", path, "convergence_criteria")); err != nil {
		return err
	}
	return validateKernels(path, config.HuberKernel, config.TukeyKernel)
}

func (config *ColoredICPConfig) lambda() *float64 {
	if config.LambdaGeometric != nil {
		return config.LambdaGeometric
	}
	return config.Estimation.LambdaGeometric
}

func (config *ColoredICPConfig) applyDefaults() {
	config.LambdaGeometric = config.lambda()
	config.Estimation.LambdaGeometric = config.LambdaGeometric
	config.ConvergenceCriteria.applyDefaults()
	if config.GradientRadius == 0 {
		config.GradientRadius = 2 * config.DistanceThreshold
	}
	if config.GradientNeighbours == 0 {
		config.GradientNeighbours = DefaultNormalNeighbours
	}
}
