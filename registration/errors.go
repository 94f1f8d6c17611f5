package registration

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMissingNormals is returned when a stage needs normals that a cloud does not carry.
	ErrMissingNormals = errors.New("point cloud has no normals")
	// ErrMissingColors is returned when a stage needs colors that a cloud does not carry.
	ErrMissingColors = errors.New("point cloud has no colors")
)

// ConfigurationError reports a pipeline configuration that cannot be built. Path names the offending
// stage, e.g. "aligner" or "refiner.1".
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid registration configuration at %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying validation error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func newConfigurationError(path string, err error) error {
	return &ConfigurationError{Path: path, Err: err}
}
