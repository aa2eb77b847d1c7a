package session

import (
	"time"

	"github.com/tunvisor/tunvisor/internal/status"
)

// Transition represents a state change.
type Transition struct {
	From      status.State
	To        status.State
	SessionID string
	Timestamp time.Time
	Error     error
}

// Observer receives notifications about state transitions.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc is a function adapter for Observer.
type ObserverFunc func(t Transition)

// OnTransition calls the function.
func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}
