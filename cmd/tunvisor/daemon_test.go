package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunvisor/tunvisor/internal/config"
	"github.com/tunvisor/tunvisor/internal/tracing"
	"github.com/tunvisor/tunvisor/testutil"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	var (
		code int
		body string
	)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		code, body = resp.StatusCode, string(b)
		return true
	}, 2*time.Second, 20*time.Millisecond)
	return code, body
}

func TestStartMetricsServer(t *testing.T) {
	listen := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	srv := startMetricsServer(listen, nil)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	code, body := get(t, "http://"+listen+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")

	code, _ = get(t, "http://"+listen+"/debug/trace")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartMetricsServer_Trace(t *testing.T) {
	rec := tracing.NewRecorder(1 << 20)
	require.NoError(t, rec.Start())
	defer rec.Stop()

	listen := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	srv := startMetricsServer(listen, rec)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	code, body := get(t, "http://"+listen+"/debug/trace")
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body)
}

func TestStartLokiWriter(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	loki := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer loki.Close()

	saved, savedOut := log.Logger, logOut
	defer func() { log.Logger, logOut = saved, savedOut }()
	logOut = io.Discard

	lw := startLokiWriter(config.LokiConfig{
		URL:    loki.URL,
		Labels: map[string]string{"host": "test"},
	})
	log.Info().Msg("hello from the daemon")
	lw.Stop()

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(bodies, "\n")
	assert.Contains(t, joined, "hello from the daemon")
	assert.Contains(t, joined, `"host":"test"`)
	assert.Contains(t, joined, `"job":"tunvisor"`)
}
