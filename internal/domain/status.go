package domain

import (
	"fmt"
	"strings"
	"time"
)

// CycleStatus is the lifecycle state of a rotation cycle.
type CycleStatus string

const (
	CycleStatusPending   CycleStatus = "pending"
	CycleStatusActive    CycleStatus = "active"
	CycleStatusExecuting CycleStatus = "executing"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusCancelled CycleStatus = "cancelled"
	CycleStatusFailed    CycleStatus = "failed"
)

// NonTerminalCycleStatuses lists the statuses that count as an open cycle.
var NonTerminalCycleStatuses = []CycleStatus{CycleStatusPending, CycleStatusActive, CycleStatusExecuting}

// CycleStatusFromString parses a cycle status (case-insensitive)
func CycleStatusFromString(value string) (CycleStatus, error) {
	status := CycleStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid cycle status: %q", value)
	}
	return status, nil
}

// IsValid reports whether s is one of the known cycle statuses.
func (s CycleStatus) IsValid() bool {
	switch s {
	case CycleStatusPending, CycleStatusActive, CycleStatusExecuting,
		CycleStatusCompleted, CycleStatusCancelled, CycleStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s CycleStatus) IsTerminal() bool {
	switch s {
	case CycleStatusCompleted, CycleStatusCancelled, CycleStatusFailed:
		return true
	case CycleStatusPending, CycleStatusActive, CycleStatusExecuting:
		return false
	}
	return false
}

// CanTransitionTo is the cycle transition table.
//
//	pending   -> active
//	active    -> executing | cancelled | failed
//	executing -> completed | failed | cancelled
//
// active -> failed covers a cycle whose trades all failed validation before
// any of them reached execution.
func (s CycleStatus) CanTransitionTo(next CycleStatus) bool {
	switch s {
	case CycleStatusPending:
		return next == CycleStatusActive
	case CycleStatusActive:
		return next == CycleStatusExecuting || next == CycleStatusCancelled || next == CycleStatusFailed
	case CycleStatusExecuting:
		return next == CycleStatusCompleted || next == CycleStatusFailed || next == CycleStatusCancelled
	case CycleStatusCompleted, CycleStatusCancelled, CycleStatusFailed:
		return false
	}
	return false
}

// TradeStatus is the lifecycle state of a single rotation trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusValidated TradeStatus = "validated"
	TradeStatusPrepared  TradeStatus = "prepared"
	TradeStatusExecuting TradeStatus = "executing"
	TradeStatusExecuted  TradeStatus = "executed"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusFailed    TradeStatus = "failed"
)

// NonTerminalTradeStatuses lists the statuses of trades that still need work.
var NonTerminalTradeStatuses = []TradeStatus{
	TradeStatusPending, TradeStatusValidated, TradeStatusPrepared, TradeStatusExecuting,
}

// TradeStatusFromString parses a trade status (case-insensitive)
func TradeStatusFromString(value string) (TradeStatus, error) {
	status := TradeStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid trade status: %q", value)
	}
	return status, nil
}

// IsValid reports whether s is one of the known trade statuses.
func (s TradeStatus) IsValid() bool {
	switch s {
	case TradeStatusPending, TradeStatusValidated, TradeStatusPrepared, TradeStatusExecuting,
		TradeStatusExecuted, TradeStatusCancelled, TradeStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeStatusExecuted, TradeStatusCancelled, TradeStatusFailed:
		return true
	case TradeStatusPending, TradeStatusValidated, TradeStatusPrepared, TradeStatusExecuting:
		return false
	}
	return false
}

// IsCancellable reports whether a trade in status s can still be cancelled.
// Once execution has started the trade must run to executed or failed.
func (s TradeStatus) IsCancellable() bool {
	return s == TradeStatusPending || s == TradeStatusValidated || s == TradeStatusPrepared
}

// CanTransitionTo is the trade transition table.
//
//	pending   -> validated | failed | cancelled
//	validated -> prepared | cancelled
//	prepared  -> executing | cancelled
//	executing -> executed | failed
func (s TradeStatus) CanTransitionTo(next TradeStatus) bool {
	switch s {
	case TradeStatusPending:
		return next == TradeStatusValidated || next == TradeStatusFailed || next == TradeStatusCancelled
	case TradeStatusValidated:
		return next == TradeStatusPrepared || next == TradeStatusCancelled
	case TradeStatusPrepared:
		return next == TradeStatusExecuting || next == TradeStatusCancelled
	case TradeStatusExecuting:
		return next == TradeStatusExecuted || next == TradeStatusFailed
	case TradeStatusExecuted, TradeStatusCancelled, TradeStatusFailed:
		return false
	}
	return false
}

// TradeAction represents the trade direction (BUY or SELL)
type TradeAction string

const (
	TradeActionBuy  TradeAction = "BUY"
	TradeActionSell TradeAction = "SELL"
)

// IsValid checks if the trade action is valid
func (a TradeAction) IsValid() bool {
	return a == TradeActionBuy || a == TradeActionSell
}

// TradeActionFromString creates a TradeAction from a string (case-insensitive)
func TradeActionFromString(value string) (TradeAction, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "BUY":
		return TradeActionBuy, nil
	case "SELL":
		return TradeActionSell, nil
	}
	return "", fmt.Errorf("invalid trade action: %q", value)
}

// FailureReason is the structured reason recorded on a failed trade.
type FailureReason string

const (
	// Validation failures
	ReasonInsufficientFunds FailureReason = "InsufficientFunds"
	ReasonInvalidQuantity   FailureReason = "InvalidQuantity"
	ReasonMarketClosed      FailureReason = "MarketClosed"
	ReasonUnknownSymbol     FailureReason = "UnknownSymbol"

	// Terminal execution failures
	ReasonExecutionTimeout FailureReason = "ExecutionTimeout"
	ReasonOrderRejected    FailureReason = "OrderRejected"
	ReasonRateLimited      FailureReason = "RateLimited"
	ReasonGatewayError     FailureReason = "GatewayError"
)

// RebalanceFrequency controls how often the auto-rebalance job evaluates a user.
type RebalanceFrequency string

const (
	FrequencyDaily     RebalanceFrequency = "daily"
	FrequencyWeekly    RebalanceFrequency = "weekly"
	FrequencyMonthly   RebalanceFrequency = "monthly"
	FrequencyQuarterly RebalanceFrequency = "quarterly"
)

// RebalanceFrequencyFromString parses a frequency (case-insensitive)
func RebalanceFrequencyFromString(value string) (RebalanceFrequency, error) {
	f := RebalanceFrequency(strings.ToLower(strings.TrimSpace(value)))
	if f.Interval() == 0 {
		return "", fmt.Errorf("invalid rebalance frequency: %q", value)
	}
	return f, nil
}

// Interval returns the minimum time between two automatic cycles, or zero for
// an unknown frequency.
func (f RebalanceFrequency) Interval() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	case FrequencyQuarterly:
		return 91 * 24 * time.Hour
	}
	return 0
}
