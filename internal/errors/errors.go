// Package errors provides centralized error definitions and error handling
// utilities for the planrun engine. It defines domain-specific error types,
// sentinel errors, constructors with context wrapping, and classification
// helpers used by the retry policy.
//
// # Error Types
//
// The package provides three domain error types matching the engine's
// failure taxonomy:
//
//   - ParseError: plan source problems (cycles, unknown references,
//     malformed annotations). Always fatal to the run.
//   - ResourceError: isolation failures (workspace unavailable, resource
//     pool exhausted). Fails the specific step; retryable per policy.
//   - ExecutionError: step execution failures (timeout, executor failure),
//     further classified transient or blocking.
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewParseError(errors.ParseCyclicDependency, "build", "build -> test -> build")
//	err := errors.NewResourceError("acquire ports", errors.ErrResourcePoolExhausted)
//	err := errors.NewExecutionError("step-3", baseErr, true)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrResourcePoolExhausted) { ... }
//	var perr *errors.ParseError
//	if errors.As(err, &perr) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Plan-related sentinel errors
var (
	// ErrCyclicDependency indicates a dependency cycle between groups.
	ErrCyclicDependency = New("cyclic group dependency")
	// ErrUnknownGroupReference indicates a depends entry naming an undefined group.
	ErrUnknownGroupReference = New("unknown group reference")
	// ErrMalformedAnnotation indicates an invalid group or step annotation.
	ErrMalformedAnnotation = New("malformed annotation")
	// ErrEmptyPlan indicates a plan source with no groups or no steps.
	ErrEmptyPlan = New("plan contains no steps")
)

// Resource-related sentinel errors
var (
	// ErrWorkspaceUnavailable indicates a workspace could not be materialized.
	ErrWorkspaceUnavailable = New("workspace unavailable")
	// ErrResourcePoolExhausted indicates no free resource handles remain.
	ErrResourcePoolExhausted = New("resource pool exhausted")
	// ErrLeaseNotFound indicates a release of a lease the manager does not hold.
	ErrLeaseNotFound = New("lease not found")
)

// Execution-related sentinel errors
var (
	// ErrStepTimeout indicates a step exceeded its execution timeout.
	ErrStepTimeout = New("step timed out")
	// ErrCanceled indicates an operation was canceled by plan-level cancellation.
	ErrCanceled = New("operation canceled")
	// ErrMissingInput indicates a step was dispatched without a required input.
	ErrMissingInput = New("missing required input")
)

// State-related sentinel errors
var (
	// ErrStateCorrupted indicates the persisted state document failed to decode.
	// This is fatal to the whole run.
	ErrStateCorrupted = New("state document corrupted")
	// ErrStateLocked indicates the state file is locked by another process.
	ErrStateLocked = New("state file locked by another process")
	// ErrPlanMismatch indicates a resume state that references a different plan.
	ErrPlanMismatch = New("state file belongs to a different plan")
)

// -----------------------------------------------------------------------------
// ParseError
// -----------------------------------------------------------------------------

// ParseKind identifies the category of a plan parse failure.
type ParseKind string

const (
	// ParseCyclicDependency marks a dependency cycle between groups.
	ParseCyclicDependency ParseKind = "cyclic_dependency"
	// ParseUnknownGroupReference marks a depends entry naming an undefined group.
	ParseUnknownGroupReference ParseKind = "unknown_group_reference"
	// ParseMalformedAnnotation marks an invalid annotation value.
	ParseMalformedAnnotation ParseKind = "malformed_annotation"
)

// ParseError represents a failure to turn plan source into an ExecutionPlan.
// Parse errors abort the entire run before any step executes.
type ParseError struct {
	// Kind is the failure category.
	Kind ParseKind
	// Group is the group ID the error relates to, if any.
	Group string
	// Detail is a human-readable description of the problem.
	Detail string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("parse error (%s) in group %q: %s", e.Kind, e.Group, e.Detail)
	}
	return fmt.Sprintf("parse error (%s): %s", e.Kind, e.Detail)
}

// Unwrap returns the sentinel matching the error's kind, so callers can use
// errors.Is against the sentinels above.
func (e *ParseError) Unwrap() error {
	switch e.Kind {
	case ParseCyclicDependency:
		return ErrCyclicDependency
	case ParseUnknownGroupReference:
		return ErrUnknownGroupReference
	case ParseMalformedAnnotation:
		return ErrMalformedAnnotation
	default:
		return nil
	}
}

// NewParseError creates a ParseError for the given kind, group, and detail.
func NewParseError(kind ParseKind, group, detail string) *ParseError {
	return &ParseError{Kind: kind, Group: group, Detail: detail}
}

// -----------------------------------------------------------------------------
// ResourceError
// -----------------------------------------------------------------------------

// ResourceError represents an isolation failure while acquiring or releasing
// a sandbox. Resource errors fail the specific step and are retryable.
type ResourceError struct {
	// Op is the operation that failed ("acquire workspace", "reserve ports", ...).
	Op string
	// UnitID is the execution unit the operation was for, if known.
	UnitID string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	if e.UnitID != "" {
		return fmt.Sprintf("resource error: %s for %s: %v", e.Op, e.UnitID, e.Err)
	}
	return fmt.Sprintf("resource error: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResourceError) Unwrap() error { return e.Err }

// NewResourceError creates a ResourceError wrapping err.
func NewResourceError(op, unitID string, err error) *ResourceError {
	return &ResourceError{Op: op, UnitID: unitID, Err: err}
}

// -----------------------------------------------------------------------------
// ExecutionError
// -----------------------------------------------------------------------------

// ExecutionError represents a step execution failure reported by the runner
// or the executor capability. Transient indicates the failure is expected to
// potentially succeed on retry; blocking failures fail immediately.
type ExecutionError struct {
	// StepID is the step whose execution failed.
	StepID string
	// Err is the underlying error.
	Err error
	// Transient marks the failure as retryable.
	Transient bool
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	class := "blocking"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("execution error (%s) in step %s: %v", class, e.StepID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError creates an ExecutionError wrapping err.
func NewExecutionError(stepID string, err error, transient bool) *ExecutionError {
	return &ExecutionError{StepID: stepID, Err: err, Transient: transient}
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether err represents a transient condition that may
// succeed on retry: timeouts, resource exhaustion, and executor failures
// explicitly marked transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrStepTimeout) || Is(err, ErrResourcePoolExhausted) || Is(err, ErrWorkspaceUnavailable) {
		return true
	}
	var execErr *ExecutionError
	if As(err, &execErr) {
		return execErr.Transient
	}
	var resErr *ResourceError
	return As(err, &resErr)
}

// IsFatal reports whether err must abort the entire run rather than a single
// step. Only parse errors and state store corruption/IO errors are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var parseErr *ParseError
	if As(err, &parseErr) {
		return true
	}
	return Is(err, ErrStateCorrupted)
}
