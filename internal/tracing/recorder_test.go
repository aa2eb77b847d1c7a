package tracing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Only one flight recorder may run per process, so tests stop theirs
// before returning.

func TestRecorder_NotRunning(t *testing.T) {
	r := NewRecorder(0)
	assert.False(t, r.Running())
	assert.Equal(t, uint64(DefaultBufferSize), r.cfg.MaxBytes)

	var buf bytes.Buffer
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotRunning)
}

func TestRecorder_StartSnapshotStop(t *testing.T) {
	r := NewRecorder(DefaultBufferSize)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.Start(), "second Start is a no-op")
	assert.True(t, r.Running())

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))
	assert.NotZero(t, buf.Len())

	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotRunning)
}

func TestRecorder_ServeHTTP(t *testing.T) {
	r := NewRecorder(0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, r.Start())
	defer r.Stop()

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/trace", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "tunvisor-")
	assert.NotZero(t, rec.Body.Len())
}
