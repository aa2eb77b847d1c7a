// Package audit writes structured records of control and session events.
package audit

import (
	"github.com/rs/zerolog"

	"github.com/tunvisor/tunvisor/internal/relay"
	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/internal/status"
)

// Results recorded with each event.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Logger provides structured audit logging. Every record carries an
// event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogControl records a command received on the control socket.
// command: control command name (e.g., "session.start")
// result: ResultOK or ResultFailed
// details: error text or other context
func (l *Logger) LogControl(command, result, details string) {
	level := zerolog.InfoLevel
	if result == ResultFailed {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "control").
		Str("command", command).
		Str("result", result)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Control command")
}

// LogTransition records a session state change. Failed transitions, those
// carrying an error, are logged at warn level.
func (l *Logger) LogTransition(t session.Transition) {
	level := zerolog.InfoLevel
	result := ResultOK
	if t.Error != nil {
		level = zerolog.WarnLevel
		result = ResultFailed
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "session_transition").
		Str("session_id", t.SessionID).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("result", result)
	if t.Error != nil {
		event = event.Str("details", t.Error.Error())
	}
	if t.To == status.Connected && !t.Timestamp.IsZero() {
		event = event.Time("connected_at", t.Timestamp)
	}
	event.Msg("Session transition")
}

// OnTransition implements session.Observer.
func (l *Logger) OnTransition(t session.Transition) {
	l.LogTransition(t)
}

// LogRelay records a packet relay lifecycle event.
// event: "launch", "respawn", "handoff" or "failure"
// pid: relay process id, 0 when unknown
func (l *Logger) LogRelay(event string, pid int, err error) {
	level := zerolog.InfoLevel
	result := ResultOK
	if err != nil {
		level = zerolog.WarnLevel
		result = ResultFailed
	}

	e := l.logger.WithLevel(level).
		Str("event_type", "relay").
		Str("event", event).
		Str("result", result)
	if pid != 0 {
		e = e.Int("pid", pid)
	}
	if err != nil {
		e = e.Str("details", err.Error())
	}
	e.Msg("Relay event")
}

// RelayHooks returns supervisor hooks that record relay events.
func (l *Logger) RelayHooks() relay.Hooks {
	return relay.Hooks{
		OnLaunch: func(pid int, respawn bool) {
			event := "launch"
			if respawn {
				event = "respawn"
			}
			l.LogRelay(event, pid, nil)
		},
		OnHandoff: func(err error) {
			l.LogRelay("handoff", 0, err)
		},
		OnFailure: func(err error) {
			l.LogRelay("failure", 0, err)
		},
	}
}
