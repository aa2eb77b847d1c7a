package session

import (
	"github.com/rs/zerolog/log"
)

// Notification is what the indicator presents while a session is connected.
type Notification struct {
	Label  string
	Remark string
	Icon   string
	Mode   Mode
}

// Indicator presents the persistent "connected" notice.
type Indicator interface {
	Show(n Notification) error
	Hide() error
}

// LogIndicator reports the notice in the log.
type LogIndicator struct{}

// Show implements Indicator.
func (LogIndicator) Show(n Notification) error {
	log.Info().
		Str("label", n.Label).
		Str("remark", n.Remark).
		Str("mode", string(n.Mode)).
		Msg("connected")
	return nil
}

// Hide implements Indicator.
func (LogIndicator) Hide() error {
	log.Info().Msg("disconnected")
	return nil
}
