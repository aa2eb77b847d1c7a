//go:build linux

package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type linuxMonitor struct {
	cfg    Config
	events chan Event

	mu   sync.Mutex
	done chan struct{}
}

func newPlatformMonitor(cfg Config) (Monitor, error) {
	return &linuxMonitor{
		cfg:    cfg,
		events: make(chan Event, 16),
	}, nil
}

func (m *linuxMonitor) Start(ctx context.Context) (<-chan Event, error) {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			log.Debug().Err(err).Msg("link subscription error")
		},
	})
	if err != nil {
		close(done)
		return nil, err
	}

	m.mu.Lock()
	m.done = done
	m.mu.Unlock()

	go m.readLoop(ctx, updates)
	return m.events, nil
}

func (m *linuxMonitor) readLoop(ctx context.Context, updates <-chan netlink.LinkUpdate) {
	defer close(m.events)
	defer m.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			event := parseLinkUpdate(u)
			if event == nil || !m.cfg.matches(event.Interface) {
				continue
			}
			select {
			case m.events <- *event:
			default: // Drop if channel full
			}
		}
	}
}

func parseLinkUpdate(u netlink.LinkUpdate) *Event {
	if u.Link == nil {
		return nil
	}
	event := &Event{
		Interface: u.Link.Attrs().Name,
		Timestamp: time.Now(),
	}
	switch u.Header.Type {
	case unix.RTM_DELLINK:
		event.Type = ChangeLinkRemoved
	case unix.RTM_NEWLINK:
		if u.IfInfomsg.Flags&unix.IFF_UP != 0 {
			event.Type = ChangeLinkUp
		} else {
			event.Type = ChangeLinkDown
		}
	default:
		return nil
	}
	return event
}

func (m *linuxMonitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

func (m *linuxMonitor) Close() error {
	m.stop()
	return nil
}
