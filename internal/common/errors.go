// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Database errors.
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEntry    = errors.New("duplicate entry")
	ErrDatabaseCorrupted = errors.New("database corrupted")

	// Knowledge errors.
	ErrKnowledgeUnavailable = errors.New("knowledge store unavailable")
	ErrUnknownCode          = errors.New("code not present in hierarchy")

	// Classification errors.
	ErrNoRecords            = errors.New("no product records to classify")
	ErrClassificationFailed = errors.New("classification failed")
	ErrInvalidTransition    = errors.New("invalid workflow transition")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Kind classifies pipeline failures so the orchestrator can route them.
type Kind string

// Failure kinds.
const (
	// KindInput marks malformed or empty product records. Routed to rejected, never retried.
	KindInput Kind = "input"
	// KindDependency marks knowledge-store or language-model outages. Retried, then degraded.
	KindDependency Kind = "dependency"
	// KindConflict marks disagreement between the commodity and tax codes. Routed to review.
	KindConflict Kind = "conflict"
	// KindConsistency marks aggregation output that violates an invariant. Routed to rejected.
	KindConsistency Kind = "consistency"
)

// PipelineError is a classified failure carrying a reviewer-facing reason.
type PipelineError struct {
	Err    error
	Kind   Kind
	Reason string
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Reason)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// InputError reports a malformed product record.
func InputError(reason string, err error) error {
	return &PipelineError{Kind: KindInput, Reason: reason, Err: err}
}

// DependencyError reports an unavailable knowledge store or language model.
func DependencyError(reason string, err error) error {
	return &PipelineError{Kind: KindDependency, Reason: reason, Err: err}
}

// ConflictError reports a cross-validation mismatch.
func ConflictError(reason string, err error) error {
	return &PipelineError{Kind: KindConflict, Reason: reason, Err: err}
}

// ConsistencyError reports an aggregation invariant violation.
func ConsistencyError(reason string, err error) error {
	return &PipelineError{Kind: KindConsistency, Reason: reason, Err: err}
}

// KindOf returns the failure kind of err, or "" when err is not a PipelineError.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ReasonOf returns the human-readable reason of a PipelineError or UserError,
// falling back to a generic message so raw error text never reaches reviewers.
func ReasonOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.UserMessage
	}
	return "classification could not be completed automatically"
}

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return KindOf(err) == KindDependency
}
