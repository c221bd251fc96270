package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a cycle, trade or ledger entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput is returned for malformed or out-of-range request values.
var ErrInvalidInput = errors.New("invalid input")

// ErrUnknownSymbol is returned by quote sources for symbols that cannot be traded.
var ErrUnknownSymbol = errors.New("unknown symbol")

// ErrTransient matches every retryable collaborator failure.
var ErrTransient = errors.New("transient collaborator error")

// TransientKind classifies a retryable failure.
type TransientKind string

const (
	TransientTimeout     TransientKind = "timeout"
	TransientRateLimit   TransientKind = "rate_limit"
	TransientUnavailable TransientKind = "unavailable"
)

// TransientError is a timeout, rate limit or temporary outage of a collaborator.
type TransientError struct {
	Err  error
	Kind TransientKind
}

// NewTransientError wraps err as a retryable failure of the given kind.
func NewTransientError(kind TransientKind, err error) error {
	return &TransientError{Kind: kind, Err: err}
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient %s", e.Kind)
	}
	return fmt.Sprintf("transient %s: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransient) match any TransientError.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// IsTransient reports whether err may succeed on retry.
// Per-attempt deadlines count as timeouts.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// TransientKindOf returns the transient classification of err, or "" when the
// error is not retryable.
func TransientKindOf(err error) TransientKind {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientTimeout
	}
	return ""
}

// ValidationError reports why a trade failed validation.
type ValidationError struct {
	TradeID string
	Reason  FailureReason
	Detail  string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("trade %s failed validation: %s", e.TradeID, e.Reason)
	}
	return fmt.Sprintf("trade %s failed validation: %s (%s)", e.TradeID, e.Reason, e.Detail)
}

// StalePriceError is returned when the quote source cannot provide a fresh price.
type StalePriceError struct {
	Err    error
	Symbol string
}

func (e *StalePriceError) Error() string {
	return fmt.Sprintf("stale price for %s: %v", e.Symbol, e.Err)
}

func (e *StalePriceError) Unwrap() error { return e.Err }

// ConflictError is returned when a user already has a non-terminal cycle.
type ConflictError struct {
	UserID        string
	OpenCycleID   string
	OpenCycleStat CycleStatus
}

func (e *ConflictError) Error() string {
	if e.OpenCycleID == "" {
		return fmt.Sprintf("user %s already has an open rotation cycle", e.UserID)
	}
	return fmt.Sprintf("user %s already has open rotation cycle %s (%s)", e.UserID, e.OpenCycleID, e.OpenCycleStat)
}

// InvalidStateError is returned when an operation requires a different current state.
type InvalidStateError struct {
	Entity    string
	ID        string
	Operation string
	Current   string
	Expected  []string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: status is %s, expected %s",
		e.Operation, e.Entity, e.ID, e.Current, strings.Join(e.Expected, " or "))
}

// InvalidTransitionError is returned when a status change is not in the transition table.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// TooLateToCancelError is returned when cancelling a trade that already started executing.
type TooLateToCancelError struct {
	TradeID string
	Status  TradeStatus
}

func (e *TooLateToCancelError) Error() string {
	return fmt.Sprintf("too late to cancel trade %s: status is %s", e.TradeID, e.Status)
}
