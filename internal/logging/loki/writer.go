// Package loki provides a zerolog writer that ships daemon logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// PushPath is appended to Config.URL.
const PushPath = "/loki/api/v1/push"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://127.0.0.1:3100"
	Labels        map[string]string // Static stream labels
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(c.Labels)+1)
	for k, v := range c.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "tunvisor"
	}
	c.Labels = labels
}

// Writer buffers log lines and pushes them to Loki in batches. Write never
// fails, so logging keeps working while Loki is unreachable.
type Writer struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	buffer []entry

	flushMu sync.Mutex
	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool

	failures atomic.Uint64
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to begin background flushing.
func NewWriter(cfg Config) *Writer {
	cfg.applyDefaults()
	return &Writer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		buffer:  make([]entry, 0, cfg.BatchSize),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{ts: time.Now(), line: line})
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				w.Flush()
			case <-w.trigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered. It is safe
// to call more than once.
func (w *Writer) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.done)
	}
	w.wg.Wait()
	w.Flush()
}

// Flush pushes buffered entries now.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	entries := w.buffer
	w.buffer = make([]entry, 0, w.cfg.BatchSize)
	w.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	if err := w.push(entries); err != nil {
		// stderr only; logging the failure would loop back into this writer
		if n := w.failures.Add(1); n <= 3 {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) push(entries []entry) error {
	values := make([][2]string, len(entries))
	for i, e := range entries {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}

	data, err := json.Marshal(pushRequest{
		Streams: []stream{{Stream: w.cfg.Labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL+PushPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// Failures returns the number of failed pushes.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}
