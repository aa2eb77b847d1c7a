// Package tracing keeps a rolling runtime trace of the daemon so a snapshot
// of the last moments before a bad session transition can be pulled over HTTP.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the default trace ring buffer size (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// DefaultMinAge is how much history the ring buffer tries to retain.
const DefaultMinAge = 30 * time.Second

// ErrNotRunning is returned by Snapshot before Start or after Stop.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime flight recorder.
type Recorder struct {
	mu      sync.Mutex
	cfg     trace.FlightRecorderConfig
	fr      *trace.FlightRecorder
	running bool
}

// NewRecorder creates a stopped recorder. A non-positive bufferSize selects
// DefaultBufferSize.
func NewRecorder(bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Recorder{
		cfg: trace.FlightRecorderConfig{
			MinAge:   DefaultMinAge,
			MaxBytes: uint64(bufferSize),
		},
	}
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	fr := trace.NewFlightRecorder(r.cfg)
	if err := fr.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	r.fr = fr
	r.running = true
	return nil
}

// Running reports whether the recorder is active.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrNotRunning
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
	r.running = false
}

// ServeHTTP streams a snapshot as an attachment.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.Running() {
		http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}

	name := fmt.Sprintf("tunvisor-%s.trace", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	if err := r.Snapshot(w); err != nil {
		// Headers may already be out; just log.
		log.Warn().Err(err).Msg("trace snapshot failed")
	}
}
