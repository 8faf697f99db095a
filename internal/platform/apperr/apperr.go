// Package apperr holds the error sentinels shared across service boundaries.
// Callers classify failures with errors.Is against these; the wrap site adds
// the operation and identifiers.
package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
	ErrInvalidArgument = errors.New("invalid argument")
)
