package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrIterationNotFound = errors.New("iteration not found")
	// ErrInvalidInput covers malformed request fields such as a non-positive index.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidPlan wraps the plan package's validation errors.
	ErrInvalidPlan       = errors.New("invalid approved plan")
	ErrExecutionDisabled = errors.New("execution is disabled")
	ErrNotRecoverable    = errors.New("run is not recoverable")
	// ErrRunActive is returned when an operation would create a second active run.
	ErrRunActive = errors.New("another run is already active for this project")
	// ErrRunNotRunning is returned to the worker when the run left RUNNING
	// underneath it (paused, canceled, failed).
	ErrRunNotRunning = errors.New("run is not running")
)

// PrerequisiteError means upstream plans are missing or a run or iteration is
// not in the state the requested action needs.
type PrerequisiteError struct {
	Reason  string
	Missing []string
}

func (e PrerequisiteError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Missing, ", "))
	}
	return e.Reason
}

// TransitionError reports a status change the state tables do not allow.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
