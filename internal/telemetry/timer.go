// Package telemetry runs the per-second connection ticker and fans the
// resulting snapshots out to sinks.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunvisor/tunvisor/internal/engine"
	"github.com/tunvisor/tunvisor/internal/status"
)

// Default timing. The timer runs in fixed windows and re-arms itself at the
// end of each window while the session is still up.
const (
	DefaultInterval = time.Second
	DefaultWindow   = 7200 * time.Millisecond
)

// Stats is the traffic counter source, normally *engine.Controller.
type Stats interface {
	QueryStat(tag, direction string) int64
}

// Counters are the accumulated values of one session.
type Counters struct {
	Elapsed       int64
	UploadSpeed   int64
	DownloadSpeed int64
	TotalUpload   int64
	TotalDownload int64
}

// Snapshot renders the counters for state.
func (c Counters) Snapshot(state status.State) status.Snapshot {
	return status.Snapshot{
		State:         state,
		Duration:      status.FormatDuration(c.Elapsed),
		UploadSpeed:   c.UploadSpeed,
		DownloadSpeed: c.DownloadSpeed,
		TotalUpload:   c.TotalUpload,
		TotalDownload: c.TotalDownload,
	}
}

// Config configures a Timer.
type Config struct {
	Interval time.Duration
	Window   time.Duration

	// TrafficStats enables sampling of the engine counters.
	TrafficStats bool

	// State supplies the state reported in each snapshot.
	State func() status.State

	// Continue is checked at the end of every window. The timer exits
	// when it returns false.
	Continue func() bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Window < c.Interval {
		c.Window = DefaultWindow
		if c.Window < c.Interval {
			c.Window = c.Interval
		}
	}
	if c.State == nil {
		c.State = func() status.State { return status.Connected }
	}
	if c.Continue == nil {
		c.Continue = func() bool { return true }
	}
}

// Timer is a cooperative periodic task owned by one session.
type Timer struct {
	cfg   Config
	stats Stats
	sink  Sink

	mu       sync.Mutex
	counters Counters
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTimer creates a stopped timer with zeroed counters.
func NewTimer(stats Stats, sink Sink, cfg Config) *Timer {
	cfg.applyDefaults()
	if sink == nil {
		sink = Discard
	}
	return &Timer{cfg: cfg, stats: stats, sink: sink}
}

// Start launches the ticking goroutine. Starting a running timer is a no-op.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

// Stop cancels the timer and waits for it to exit. No snapshot is published
// after Stop returns.
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// exited is closed when the ticking goroutine exits.
func (t *Timer) exited() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

// Counters returns a copy of the current counters.
func (t *Timer) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

func (t *Timer) resetCounters() {
	t.mu.Lock()
	t.counters = Counters{}
	t.mu.Unlock()
}

func (t *Timer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	perWindow := int(t.cfg.Window / t.cfg.Interval)
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		t.tick(ctx)

		ticks++
		if ticks < perWindow {
			continue
		}
		ticks = 0
		if !t.cfg.Continue() {
			log.Debug().Msg("telemetry window ended, session inactive")
			return
		}
	}
}

func (t *Timer) tick(ctx context.Context) {
	var up, down int64
	if t.cfg.TrafficStats && t.stats != nil {
		up = sample(t.stats, engine.Uplink)
		down = sample(t.stats, engine.Downlink)
	}

	state := t.cfg.State()

	t.mu.Lock()
	t.counters.Elapsed++
	t.counters.UploadSpeed = up
	t.counters.DownloadSpeed = down
	t.counters.TotalUpload += up
	t.counters.TotalDownload += down
	snap := t.counters.Snapshot(state)
	t.mu.Unlock()

	if err := t.sink.Publish(ctx, snap); err != nil {
		log.Debug().Err(err).Msg("telemetry publish failed")
	}
}

// sample sums both traffic classes for one direction. Negative readings are
// treated as zero so totals never decrease.
func sample(stats Stats, direction string) int64 {
	var total int64
	for _, tag := range []string{engine.TagBlock, engine.TagProxy} {
		if v := stats.QueryStat(tag, direction); v > 0 {
			total += v
		}
	}
	return total
}
