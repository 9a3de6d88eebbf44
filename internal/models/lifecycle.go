package models

import (
	"errors"
	"fmt"
	"time"
)

// LifecycleState represents the current state of a user's strategy.
type LifecycleState string

const (
	// StateIdle means no strategy is running for the user.
	StateIdle LifecycleState = "idle"
	// StateAnalyzing means the strategy is consuming market data, no position.
	StateAnalyzing LifecycleState = "analyzing"
	// StateSignalDetected means an entry signal arrived and sizing is pending.
	StateSignalDetected LifecycleState = "signal_detected"
	// StateEnteringPosition means an entry order is working at the venue.
	StateEnteringPosition LifecycleState = "entering_position"
	// StatePositionOpen means a position is open with brackets attached.
	StatePositionOpen LifecycleState = "position_open"
	// StateClosing means the position is being unwound.
	StateClosing LifecycleState = "closing"
	// StateError means persistent failures stopped the strategy; manual
	// intervention required.
	StateError LifecycleState = "error"
)

// InTrade reports whether the state carries broker-side exposure. The
// health checker must never cull an executor in one of these states.
func (s LifecycleState) InTrade() bool {
	return s == StateEnteringPosition || s == StatePositionOpen || s == StateClosing
}

// Transition reasons, validated against the transition table.
const (
	ReasonStartStrategy    = "start_strategy"
	ReasonSignalDetected   = "signal_detected"
	ReasonEnteringPosition = "entering_position"
	ReasonSizingRejected   = "sizing_rejected"
	ReasonEntryTimeout     = "entry_timeout"
	ReasonPositionOpened   = "position_opened"
	ReasonPositionClosing  = "position_closing"
	ReasonPositionClosed   = "position_closed"
	ReasonStopStrategy     = "stop_strategy"
	ReasonFatalError       = "fatal_error"
	ReasonReconciled       = "reconciled"
)

// LifecycleTransition defines one valid edge of the state machine.
type LifecycleTransition struct {
	From   LifecycleState
	To     LifecycleState
	Reason string
}

// ValidLifecycleTransitions is the complete transition table. stopStrategy
// and fatal errors are valid from any state and handled separately in
// IsValidTransition.
var ValidLifecycleTransitions = []LifecycleTransition{
	{StateIdle, StateAnalyzing, ReasonStartStrategy},
	{StateAnalyzing, StateSignalDetected, ReasonSignalDetected},
	{StateSignalDetected, StateEnteringPosition, ReasonEnteringPosition},
	{StateSignalDetected, StateAnalyzing, ReasonSizingRejected},
	{StateEnteringPosition, StatePositionOpen, ReasonPositionOpened},
	{StateEnteringPosition, StateAnalyzing, ReasonEntryTimeout},
	{StatePositionOpen, StateClosing, ReasonPositionClosing},
	{StateClosing, StateAnalyzing, ReasonPositionClosed},

	// Reconciliation may force these regardless of the analyze loop.
	{StateAnalyzing, StatePositionOpen, ReasonReconciled},
	{StateIdle, StatePositionOpen, ReasonReconciled},
	{StatePositionOpen, StateAnalyzing, ReasonReconciled},
}

// ErrInvalidTransition is the sentinel for transitions outside the table.
// This is a bug class: callers log it at error severity and must not
// mutate state.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError carries the rejected edge for diagnostics.
type InvalidTransitionError struct {
	From   LifecycleState
	To     LifecycleState
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s with reason %q", e.From, e.To, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// IsValidTransition checks an edge against the table. Transitions to idle
// (stop) and to error (escalation) are accepted from every state.
func IsValidTransition(from, to LifecycleState, reason string) error {
	if to == StateIdle && reason == ReasonStopStrategy {
		return nil
	}
	if to == StateError && reason == ReasonFatalError {
		return nil
	}
	for _, tr := range ValidLifecycleTransitions {
		if tr.From == from && tr.To == to && tr.Reason == reason {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to, Reason: reason}
}

// StrategyStateVersion is the current schema version stamped on persisted
// strategy state. Loaders refuse unknown (newer) versions and migrate
// older ones.
const StrategyStateVersion = 2

// StrategyState is the durable per-user strategy record. One exists per
// user; it is owned by a single executor (single writer).
type StrategyState struct {
	Version      int            `json:"version"`
	UserID       string         `json:"user_id"`
	StrategyName string         `json:"strategy_name,omitempty"`
	Instrument   string         `json:"instrument,omitempty"`
	Broker       string         `json:"broker,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Lifecycle    LifecycleState `json:"lifecycle"`

	StartedAt      time.Time `json:"started_at,omitempty"`
	LastTransition time.Time `json:"last_transition,omitempty"`

	PositionEntryPrice float64      `json:"position_entry_price,omitempty"`
	PositionSize       float64      `json:"position_size,omitempty"`
	PositionSide       PositionSide `json:"position_side,omitempty"`

	// AutoReconnect is false only when the user explicitly disconnected.
	AutoReconnect bool              `json:"auto_reconnect"`
	LastAction    string            `json:"last_action,omitempty"`
	ErrorCount    int               `json:"error_count"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStrategyState returns an idle state for a user.
func NewStrategyState(userID string) *StrategyState {
	now := time.Now().UTC()
	return &StrategyState{
		Version:       StrategyStateVersion,
		UserID:        userID,
		Lifecycle:     StateIdle,
		AutoReconnect: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HasPosition reports whether position fields are populated.
func (s *StrategyState) HasPosition() bool {
	return s.PositionSize != 0 && s.PositionSide != ""
}

// ClearPosition resets the position fields.
func (s *StrategyState) ClearPosition() {
	s.PositionEntryPrice = 0
	s.PositionSize = 0
	s.PositionSide = ""
}

// Validate enforces the structural invariants of a strategy state:
// idle iff no strategy name, position fields present iff in a
// position-bearing lifecycle state.
func (s *StrategyState) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("strategy state: user_id is required")
	}
	if s.Lifecycle == StateIdle && s.StrategyName != "" {
		return fmt.Errorf("strategy state %s: idle state must not carry a strategy name (%q)", s.UserID, s.StrategyName)
	}
	if s.Lifecycle != StateIdle && s.Lifecycle != StateError && s.StrategyName == "" {
		return fmt.Errorf("strategy state %s: state %s requires a strategy name", s.UserID, s.Lifecycle)
	}
	positionStates := s.Lifecycle == StatePositionOpen || s.Lifecycle == StateClosing
	if positionStates && !s.HasPosition() {
		return fmt.Errorf("strategy state %s: state %s requires position fields", s.UserID, s.Lifecycle)
	}
	if !positionStates && s.HasPosition() {
		return fmt.Errorf("strategy state %s: state %s must not carry position fields", s.UserID, s.Lifecycle)
	}
	if s.HasPosition() && s.PositionSide != PositionLong && s.PositionSide != PositionShort {
		return fmt.Errorf("strategy state %s: invalid position side %q", s.UserID, s.PositionSide)
	}
	return nil
}

// Copy returns a deep copy of the state.
func (s *StrategyState) Copy() *StrategyState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
