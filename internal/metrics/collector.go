package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/tunvisor/tunvisor/internal/relay"
	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/internal/status"
)

// Collector feeds SessionMetrics from telemetry snapshots, session
// transitions and relay events.
type Collector struct {
	metrics *SessionMetrics

	mu           sync.Mutex
	lastUpload   int64
	lastDownload int64
}

// NewCollector creates a new metrics collector.
func NewCollector(m *SessionMetrics) *Collector {
	return &Collector{metrics: m}
}

// Publish implements telemetry.Sink.
func (c *Collector) Publish(_ context.Context, s status.Snapshot) error {
	c.metrics.UploadSpeed.Set(float64(s.UploadSpeed))
	c.metrics.DownloadSpeed.Set(float64(s.DownloadSpeed))

	c.mu.Lock()
	defer c.mu.Unlock()

	// Totals restart from zero with every session.
	c.metrics.UploadBytes.Add(float64(delta(s.TotalUpload, c.lastUpload)))
	c.metrics.DownloadBytes.Add(float64(delta(s.TotalDownload, c.lastDownload)))
	c.lastUpload = s.TotalUpload
	c.lastDownload = s.TotalDownload
	return nil
}

func delta(current, last int64) int64 {
	switch {
	case current < 0:
		return 0
	case current >= last:
		return current - last
	default:
		return current
	}
}

// OnTransition implements session.Observer.
func (c *Collector) OnTransition(t session.Transition) {
	c.metrics.State.Set(float64(t.To))
	c.metrics.Transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()

	switch t.To {
	case status.Connected:
		ts := t.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		c.metrics.ConnectedSince.Set(float64(ts.Unix()))
	case status.Disconnected:
		c.metrics.ConnectedSince.Set(0)
		c.metrics.UploadSpeed.Set(0)
		c.metrics.DownloadSpeed.Set(0)
		if t.From == status.Connecting {
			c.metrics.StartFailures.Inc()
		}
	}
}

// RelayHooks returns supervisor hooks that count relay events.
func (c *Collector) RelayHooks() relay.Hooks {
	return relay.Hooks{
		OnLaunch: func(_ int, respawn bool) {
			kind := "initial"
			if respawn {
				kind = "respawn"
			}
			c.metrics.RelayLaunches.WithLabelValues(kind).Inc()
		},
		OnHandoff: func(err error) {
			if err != nil {
				c.metrics.HandoffFailures.Inc()
			}
		},
		OnFailure: func(error) {
			c.metrics.RelayFailures.Inc()
		},
	}
}
