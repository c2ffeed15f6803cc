package saga

import (
	"fmt"

	"github.com/google/uuid"
)

var stateKeyNames map[State]string
var namedStateKeys map[string]State

func init() {
	stateKeyNames = map[State]string{
		Forward:            "forward",
		RetryingInvocation: "retrying",
		Compensating:       "compensating",
		Completed:          "completed",
		Failed:             "failed",
	}

	namedStateKeys = make(map[string]State, len(stateKeyNames))
	for k, v := range stateKeyNames {
		namedStateKeys[v] = k
	}
}

// StateFromString creates a session state from a string
func StateFromString(name string) (State, error) {
	if v, ok := namedStateKeys[name]; ok {
		return v, nil
	}
	return Forward, fmt.Errorf("invalid session state %q", name)
}

// State is the primary state of a saga session. Exactly one holds at any
// time; the pending flag is carried separately on the session.
type State uint8

const (
	// Forward indicates the session is moving through the topology front
	// to back
	Forward State = iota
	// RetryingInvocation indicates a must-complete step failed and is
	// being re-invoked in place; the session still counts as moving
	// forward
	RetryingInvocation
	// Compensating indicates the session is unwinding completed steps
	// back to front
	Compensating
	// Completed indicates every step succeeded; terminal
	Completed
	// Failed indicates the saga unwound or could not proceed; terminal
	Failed
)

func (s State) String() string {
	return stateKeyNames[s]
}

// MarshalText renders this session state to text
func (s State) MarshalText() (text []byte, err error) {
	return []byte(stateKeyNames[s]), nil
}

// UnmarshalText parses this session state from text
func (s *State) UnmarshalText(text []byte) error {
	st, err := StateFromString(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// A Session is the per-instance mutable state of one saga: which step is
// current, the primary state, and whether an invocation or compensation
// is in flight awaiting a reply. Sessions are created by the owning
// saga, mutated exclusively by the orchestrator and persisted by a
// SessionRepository after every mutation.
type Session struct {
	ID          string
	CurrentStep string
	State       State
	Pending     bool
	Data        interface{}
}

// NewSession creates a session for the named saga. The saga ID is the
// saga name joined with a fresh UUID, which is also how the registry
// decides ownership of inbound messages.
func NewSession(sagaName string, data interface{}) *Session {
	return &Session{
		ID:    sagaName + "-" + uuid.NewString(),
		State: Forward,
		Data:  data,
	}
}

// SetForward moves the session to the forward state
func (s *Session) SetForward() { s.State = Forward }

// SetRetrying marks the session as re-invoking a must-complete step in
// place
func (s *Session) SetRetrying() { s.State = RetryingInvocation }

// SetCompensating marks the session as unwinding
func (s *Session) SetCompensating() { s.State = Compensating }

// SetCompleted marks the session terminal with all steps succeeded
func (s *Session) SetCompleted() {
	s.State = Completed
	s.Pending = false
}

// SetFailed marks the session terminal after unwinding
func (s *Session) SetFailed() {
	s.State = Failed
	s.Pending = false
}

// SetPending records that an invocation or compensation has been sent
// and no reply has been processed yet
func (s *Session) SetPending() { s.Pending = true }

// UnsetPending records that the in-flight reply has been picked up
func (s *Session) UnsetPending() { s.Pending = false }

// InForwardDirection is true while the session moves front to back,
// which includes retrying an invocation in place
func (s *Session) InForwardDirection() bool {
	return s.State == Forward || s.State == RetryingInvocation
}

// IsCompensating is true only while the session unwinds
func (s *Session) IsCompensating() bool {
	return s.State == Compensating
}

// Terminal is true once the session completed or failed; no further
// orchestration is permitted
func (s *Session) Terminal() bool {
	return s.State == Completed || s.State == Failed
}
