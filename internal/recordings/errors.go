package recordings

import (
	"errors"
	"fmt"
)

// ErrStatusConflict means the row was not in the status the transition expects.
var ErrStatusConflict = errors.New("recording status conflict")

// ValidationError is a missing or unsupported webhook field. Nothing is mutated when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Retryable is false: the same input fails the same way.
func (e *ValidationError) Retryable() bool { return false }

// NotFoundError is an unknown live account or recording.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

func (e *NotFoundError) Retryable() bool { return false }

// PathSecurityError rejects a local path that does not resolve inside the allowed base directory.
type PathSecurityError struct {
	Path   string
	Reason string
}

func (e *PathSecurityError) Error() string {
	return fmt.Sprintf("rejected path %q: %s", e.Path, e.Reason)
}

func (e *PathSecurityError) Retryable() bool { return false }
