package models

import "errors"

var (
	// ErrTransient marks storage failures worth retrying (busy or locked database).
	ErrTransient = errors.New("transient storage error")
	// ErrDuplicate marks a unique constraint violation.
	ErrDuplicate = errors.New("duplicate record")
)
