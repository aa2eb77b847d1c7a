//go:build !linux

package netmon

import (
	"context"
	"net"
	"time"
)

type pollingMonitor struct {
	cfg    Config
	events chan Event
	last   map[string]bool
}

func newPlatformMonitor(cfg Config) (Monitor, error) {
	return &pollingMonitor{
		cfg:    cfg,
		events: make(chan Event, 16),
	}, nil
}

func (m *pollingMonitor) Start(ctx context.Context) (<-chan Event, error) {
	m.last = m.currentLinks()
	go m.pollLoop(ctx)
	return m.events, nil
}

func (m *pollingMonitor) pollLoop(ctx context.Context) {
	defer close(m.events)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := m.currentLinks()
			for name := range m.last {
				if !current[name] {
					m.emit(Event{Type: ChangeLinkRemoved, Interface: name, Timestamp: time.Now()})
				}
			}
			for name := range current {
				if !m.last[name] {
					m.emit(Event{Type: ChangeLinkAdded, Interface: name, Timestamp: time.Now()})
				}
			}
			m.last = current
		}
	}
}

func (m *pollingMonitor) emit(e Event) {
	select {
	case m.events <- e:
	default:
	}
}

func (m *pollingMonitor) currentLinks() map[string]bool {
	result := make(map[string]bool)
	ifaces, err := net.Interfaces()
	if err != nil {
		return result
	}
	for _, iface := range ifaces {
		if m.cfg.matches(iface.Name) {
			result[iface.Name] = true
		}
	}
	return result
}

func (m *pollingMonitor) Close() error {
	return nil
}
