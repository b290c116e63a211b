package config

import (
	"errors"
	"fmt"
)

// Errors returned by configuration loading and validation.
var (
	// ErrInvalidConfig indicates a value of the wrong type.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrOutOfRange indicates a numeric value is out of range.
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidDuration indicates a duration that cannot be parsed.
	ErrInvalidDuration = errors.New("invalid duration")
)

// ValidationError describes a validation failure for a setting.
type ValidationError struct {
	// Path is the setting path that failed validation.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func fieldError(path string, err error) error {
	return &ValidationError{Path: path, Err: err}
}
