package engine

import (
	"fmt"
	"strings"

	"storyline/internal/domain"
)

// PreconditionError blocks an advance before any work happens. Retrying the
// same advance is safe; nothing was mutated.
type PreconditionError struct {
	Stage    domain.Stage
	Problems []string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("preconditions failed at %s: %s", e.Stage, strings.Join(e.Problems, "; "))
}

// CapabilityError means a required capability is missing or unhealthy.
type CapabilityError struct {
	Stage    domain.Stage
	Problems []string
}

func (e CapabilityError) Error() string {
	return fmt.Sprintf("capabilities unavailable at %s: %s", e.Stage, strings.Join(e.Problems, "; "))
}

// ExecutionError wraps a failure inside a stage's execute step.
type ExecutionError struct {
	Stage domain.Stage
	Err   error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at %s: %v", e.Stage, e.Err)
}

func (e ExecutionError) Unwrap() error { return e.Err }

// PostconditionError rejects a stage result before it is committed.
type PostconditionError struct {
	Stage    domain.Stage
	Problems []string
}

func (e PostconditionError) Error() string {
	return fmt.Sprintf("postconditions failed at %s: %s", e.Stage, strings.Join(e.Problems, "; "))
}

// TransitionError rejects an illegal stage move.
type TransitionError struct {
	From   domain.Stage
	To     domain.Stage
	Reason string
}

func (e TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}

// ConflictError means the round already has a background task running.
type ConflictError struct {
	RoundID  string
	TaskName string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("background task %s already running for round %s", e.TaskName, e.RoundID)
}
