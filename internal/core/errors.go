package core

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
)

// ValidationError reports malformed input. It maps to a 400 at the API
// boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InvalidStateError reports an operation applied to a job whose current
// status forbids it.
type InvalidStateError struct {
	Op     string
	Status JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job in status %s", e.Op, e.Status)
}
