package batch

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownGroup is returned when a batch is asked for a group it has no loader for.
var ErrUnknownGroup = errors.New("unknown group")

// LoadError reports that the cloud of a group could not be materialized.
type LoadError struct {
	ID  GroupID
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %v: %v", e.ID, e.Err)
}

// Unwrap returns the loader's error.
func (e *LoadError) Unwrap() error {
	return e.Err
}
