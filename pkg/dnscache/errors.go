package dnscache

import "errors"

var (
	// ErrInvalidInput is the error kind for rejected arguments. No function
	// in this package returns it: WithMaximumEntries accepts a negative
	// value and treats it as unbounded instead of rejecting it.
	ErrInvalidInput = errors.New("dnscache: invalid input")

	// ErrCorruptSnapshot is returned from Load when the snapshot file's
	// magic bytes or version are not recognized, or its payload is
	// malformed.
	ErrCorruptSnapshot = errors.New("dnscache: corrupt snapshot")

	// ErrIO wraps an underlying filesystem error from Save/Load that is
	// neither an invalid-input nor a corrupt-snapshot condition.
	ErrIO = errors.New("dnscache: snapshot i/o error")
)
