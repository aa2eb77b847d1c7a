package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunvisor/tunvisor/internal/status"
)

func TestMultiSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b failed")}
	c := &recordingSink{}

	err := MultiSink{a, b, c}.Publish(context.Background(), status.Zero())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b failed")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count(), "later sinks still receive the snapshot")
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, LogSink{}.Publish(context.Background(), status.Zero()))
}

func TestBroadcaster_Subscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(4)

	first := <-ch
	assert.Equal(t, status.Zero(), first, "subscriber receives last snapshot")

	snap := status.Snapshot{State: status.Connected, Duration: "00:00:01", TotalUpload: 9}
	require.NoError(t, b.Publish(context.Background(), snap))
	assert.Equal(t, snap, <-ch)
	assert.Equal(t, snap, b.Last())

	assert.Equal(t, 1, b.Subscribers())
	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	_, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), status.Snapshot{TotalUpload: int64(i)}))
	}
	assert.Equal(t, int64(9), b.Last().TotalUpload)
}
