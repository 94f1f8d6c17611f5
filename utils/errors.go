package utils

import (
	"github.com/pkg/errors"
)

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError[ExpectedT any](actual interface{}) error {
	var expected ExpectedT
	return errors.Errorf("expected %T but got %T", &expected, actual)
}

// NewMismatchedLengthError is used when two parallel sequences disagree in length.
func NewMismatchedLengthError(what string, expected, actual int) error {
	return errors.Errorf("expected %d %s but got %d", expected, what, actual)
}

// NewNotEnoughPointsError is used when an algorithm needs more input points than it was given.
func NewNotEnoughPointsError(needed, got int) error {
	return errors.Errorf("need at least %d points but got %d", needed, got)
}
