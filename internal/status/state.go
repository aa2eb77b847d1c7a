// Package status defines the connection state machine and the telemetry
// snapshot shared by the session controller and its observers.
package status

import "fmt"

// State is the connection state of the tunnel session.
type State int

const (
	// Disconnected means no session exists. Initial and terminal-per-session state.
	Disconnected State = iota

	// Connecting means a start request is being processed.
	Connecting

	// Connected means the engine is running and the session is live.
	Connected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	switch s {
	case "disconnected":
		return Disconnected, nil
	case "connecting":
		return Connecting, nil
	case "connected":
		return Connected, nil
	default:
		return Disconnected, fmt.Errorf("unknown state %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsActive returns true once the session is usable.
func (s State) IsActive() bool {
	return s == Connected
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case Disconnected:
		return target == Connecting
	case Connecting:
		// Startup either completes or is aborted.
		return target == Connected || target == Disconnected
	case Connected:
		return target == Disconnected
	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	From    State
	To      State
	Session string
	Message string
}

func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid state transition for session %s: %s -> %s: %s",
			e.Session, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("invalid state transition for session %s: %s -> %s",
		e.Session, e.From, e.To)
}

// NewTransitionError creates a new transition error.
func NewTransitionError(from, to State, session, message string) *TransitionError {
	return &TransitionError{
		From:    from,
		To:      to,
		Session: session,
		Message: message,
	}
}
