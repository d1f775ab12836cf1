package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidConfig marks configuration problems that must fail fast
	// at pipeline-load time (unknown module type, bad settings, cycles).
	ErrInvalidConfig = errors.New("invalid configuration")
)
