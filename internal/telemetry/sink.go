package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tunvisor/tunvisor/internal/status"
)

// Sink receives snapshots.
type Sink interface {
	Publish(ctx context.Context, s status.Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s status.Snapshot) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, s status.Snapshot) error {
	return f(ctx, s)
}

// Discard drops every snapshot.
var Discard Sink = SinkFunc(func(context.Context, status.Snapshot) error { return nil })

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, s status.Snapshot) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes snapshots to the debug log.
type LogSink struct{}

// Publish implements Sink.
func (LogSink) Publish(_ context.Context, s status.Snapshot) error {
	log.Debug().
		Str("state", s.State.String()).
		Str("duration", s.Duration).
		Int64("up", s.UploadSpeed).
		Int64("down", s.DownloadSpeed).
		Int64("total_up", s.TotalUpload).
		Int64("total_down", s.TotalDownload).
		Msg("telemetry")
	return nil
}

// Broadcaster fans snapshots out to subscribers. Slow subscribers miss
// snapshots instead of blocking the publisher.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan status.Snapshot
	nextID int
	last   status.Snapshot
}

// NewBroadcaster creates a broadcaster whose last snapshot is the zero one.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan status.Snapshot),
		last: status.Zero(),
	}
}

// Publish implements Sink.
func (b *Broadcaster) Publish(_ context.Context, s status.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = s
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
	return nil
}

// Last returns the most recent snapshot.
func (b *Broadcaster) Last() status.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Subscribe registers a subscriber. The channel immediately holds the most
// recent snapshot. Call the returned function to unsubscribe.
func (b *Broadcaster) Subscribe(buffer int) (<-chan status.Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan status.Snapshot, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	ch <- b.last
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
