package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Handoff defaults: attempts 0..5, sleeping 50ms*attempt before each.
const (
	DefaultHandoffAttempts = 6
	DefaultHandoffBackoff  = 50 * time.Millisecond

	handoffSentinel byte = 32
)

// ErrHandoffFailed is returned when the relay never accepted the descriptor.
var ErrHandoffFailed = errors.New("fd handoff failed")

// Sender delivers a descriptor to a running relay.
type Sender interface {
	Send(ctx context.Context, fd int) error
}

// Handoff passes the TUN descriptor to the relay over its Unix socket.
type Handoff struct {
	Path     string
	Attempts int
	Backoff  time.Duration

	send func(path string, fd int) error
}

// NewHandoff creates a handoff to the socket at path with default retries.
func NewHandoff(path string) *Handoff {
	return &Handoff{
		Path:     path,
		Attempts: DefaultHandoffAttempts,
		Backoff:  DefaultHandoffBackoff,
	}
}

// Send tries to deliver fd, backing off linearly between attempts.
func (h *Handoff) Send(ctx context.Context, fd int) error {
	attempts := h.Attempts
	if attempts <= 0 {
		attempts = DefaultHandoffAttempts
	}
	send := h.send
	if send == nil {
		send = sendFD
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := sleepContext(ctx, h.Backoff*time.Duration(attempt)); err != nil {
			return err
		}
		err := send(h.Path, fd)
		if err == nil {
			log.Debug().Int("attempt", attempt).Str("socket", h.Path).Msg("tun fd handed to relay")
			return nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Msg("fd handoff attempt failed")
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrHandoffFailed, attempts, lastErr)
}

// sendFD writes the sentinel byte with fd attached as SCM_RIGHTS, then
// half-closes and closes the connection.
func sendFD(path string, fd int) error {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, _, err := conn.WriteMsgUnix([]byte{handoffSentinel}, unix.UnixRights(fd), nil); err != nil {
		return fmt.Errorf("send fd: %w", err)
	}
	if err := conn.CloseWrite(); err != nil {
		return fmt.Errorf("shutdown write: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
