// Package netmon watches network links so a session notices when its tunnel
// interface is taken away underneath it.
package netmon

import (
	"context"
	"path/filepath"
	"time"
)

// ChangeType represents the type of link change detected.
type ChangeType int

const (
	ChangeUnknown ChangeType = iota
	ChangeLinkAdded
	ChangeLinkUp
	ChangeLinkDown
	ChangeLinkRemoved
)

// String returns a string representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeLinkAdded:
		return "link_added"
	case ChangeLinkUp:
		return "link_up"
	case ChangeLinkDown:
		return "link_down"
	case ChangeLinkRemoved:
		return "link_removed"
	default:
		return "unknown"
	}
}

// Event represents a link change.
type Event struct {
	Type      ChangeType
	Interface string
	Timestamp time.Time
}

// Monitor watches for link changes.
type Monitor interface {
	// Start begins monitoring. The channel is closed when the context is
	// cancelled or the monitor fails.
	Start(ctx context.Context) (<-chan Event, error)

	// Close releases any resources held by the monitor.
	Close() error
}

// Config holds monitor configuration.
type Config struct {
	// Interfaces lists name patterns to report. Empty means all.
	Interfaces []string

	// PollInterval is used where link events are not available.
	// Default: 2s
	PollInterval time.Duration
}

// New creates a new platform-specific link monitor.
func New(cfg Config) (Monitor, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return newPlatformMonitor(cfg)
}

func (c Config) matches(name string) bool {
	if len(c.Interfaces) == 0 {
		return true
	}
	for _, pattern := range c.Interfaces {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// WatchRemoval calls fn once when the named interface is removed, and returns
// when that happens or ctx is done.
func WatchRemoval(ctx context.Context, m Monitor, name string, fn func(Event)) error {
	events, err := m.Start(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Interface == name && ev.Type == ChangeLinkRemoved {
				fn(ev)
				return nil
			}
		}
	}
}
