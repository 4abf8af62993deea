package models

import "fmt"

// Error kinds surfaced to the orchestrator. Each maps to a distinct reply
// strategy; see the engine's error branch.

// NotUnderstoodError: every classification tier returned low confidence.
// State is never advanced on this error.
type NotUnderstoodError struct {
	Best       Intent
	Confidence float64
}

func (e *NotUnderstoodError) Error() string {
	return fmt.Sprintf("message not understood (best %s at %.2f)", e.Best, e.Confidence)
}

// FieldError: a collected value failed a constraint (date in the past,
// guests beyond capacity). The conversation stays in collecting.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StockConflictError: a row lock could not be acquired or stock was short
// at lock time. The whole reservation attempt rolls back; the retry budget
// is NOT decremented.
type StockConflictError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *StockConflictError) Error() string {
	if e.Available < 0 {
		return fmt.Sprintf("stock locked for %s", e.Name)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Name, e.Requested, e.Available)
}

// UpstreamError: the LLM or the payment provider failed.
type UpstreamError struct {
	Upstream string // "llm" or "payment"
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream unavailable: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TimeoutError: a per-message or per-call deadline expired. No state is
// mutated.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out", e.Op) }

// SystemError: a bug or datastore failure. Logged with a correlation id and
// treated like a timeout at the boundary.
type SystemError struct {
	Correlation string
	Err         error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error [%s]: %v", e.Correlation, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }
