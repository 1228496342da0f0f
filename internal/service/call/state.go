// Package call holds the per-call lifecycle state machine and playback
// bookkeeping shared by the relay legs.
package call

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a call's model leg.
type State int

const (
	// StateIdle - No model leg; one may be opened.
	StateIdle State = iota
	// StateConnecting - Dial and configuration in progress.
	StateConnecting
	// StateConfigured - session.update sent, no caller audio forwarded yet.
	StateConfigured
	// StateStreaming - Caller audio is flowing to the model leg.
	StateStreaming
	// StateClosing - Telephony leg is gone. Terminal.
	StateClosing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConfigured:
		return "CONFIGURED"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateClosing
}

// ModelOpen returns true if the model leg accepts audio and commands.
func (s State) ModelOpen() bool {
	return s == StateConfigured || s == StateStreaming
}

// Errors for invalid state transitions.
var (
	ErrAlreadyOpen    = errors.New("model leg already open or opening")
	ErrSessionClosing = errors.New("call is closing")
	ErrNotConnecting  = errors.New("model leg is not connecting")
	ErrModelNotOpen   = errors.New("model leg is not open")
)

// Lifecycle manages the state machine for a single call.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE → CONNECTING → CONFIGURED → STREAMING
//	  ↑         │            │            │
//	  └─────────┴── ModelClosed() ────────┘
//
//	any → CLOSING (Close, terminal)
//
// Rules:
//   - BeginConnect only succeeds from IDLE; it is the guard against opening two model legs
//   - ModelClosed returns to IDLE without touching the telephony leg
//   - CLOSING accepts no further transitions except Reset
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a new call lifecycle in IDLE state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// BeginConnect transitions IDLE → CONNECTING.
func (l *Lifecycle) BeginConnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateIdle:
		l.state = StateConnecting
		return nil
	case StateConnecting, StateConfigured, StateStreaming:
		return ErrAlreadyOpen
	case StateClosing:
		return ErrSessionClosing
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// MarkConfigured transitions CONNECTING → CONFIGURED.
func (l *Lifecycle) MarkConfigured() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateConnecting:
		l.state = StateConfigured
		return nil
	case StateClosing:
		return ErrSessionClosing
	default:
		return ErrNotConnecting
	}
}

// MarkStreaming transitions CONFIGURED → STREAMING. Returns true only on the
// transition itself.
func (l *Lifecycle) MarkStreaming() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateConfigured:
		l.state = StateStreaming
		return true, nil
	case StateStreaming:
		return false, nil
	case StateClosing:
		return false, ErrSessionClosing
	default:
		return false, ErrModelNotOpen
	}
}

// ModelClosed returns a non-terminal lifecycle to IDLE.
// Returns false if the call is already closing.
func (l *Lifecycle) ModelClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateIdle
	return true
}

// Close transitions to CLOSING. Returns false if already closing.
func (l *Lifecycle) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateClosing
	return true
}

// Reset returns the lifecycle to IDLE for a new stream on the same
// telephony connection.
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateIdle
}
