package xray

import (
	"bytes"
	"encoding/base64"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xlog "github.com/xtls/xray-core/common/log"
	"github.com/xtls/xray-core/common/xudp"

	"github.com/tunvisor/tunvisor/internal/engine"
)

const freedomConfig = `{"outbounds": [{"protocol": "freedom", "tag": "proxy"}]}`

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs routes the global zerolog logger into a buffer at debug level.
func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
	return buf
}

func recordXrayLog(content string) {
	xlog.Record(&xlog.GeneralMessage{Severity: xlog.Severity_Info, Content: content})
}

func TestCore_IdleQueries(t *testing.T) {
	c := New()

	assert.False(t, c.IsRunning())
	assert.Zero(t, c.QueryStats(engine.TagProxy, engine.Uplink))
	require.NoError(t, c.Stop())

	ms, err := c.MeasureDelay(t.Context(), "https://www.google.com/generate_204")
	assert.ErrorIs(t, err, engine.ErrNotRunning)
	assert.Equal(t, int64(-1), ms)
}

func TestCore_StartRejectsInvalidConfig(t *testing.T) {
	c := New()
	err := c.Start([]byte(`{"inbounds": [`), nil)
	require.Error(t, err)
	assert.False(t, c.IsRunning())
}

func TestCore_InitEnvSetsAssetLocation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("xray.location.asset", "")
	t.Setenv("xray.location.cert", "")

	require.NoError(t, New().InitEnv(engine.Env{AssetPath: dir}))
	assert.Equal(t, dir, os.Getenv("xray.location.asset"))
}

func TestProtectFD(t *testing.T) {
	c := New()
	t.Cleanup(func() { c.SetProtector(nil) })

	require.NoError(t, protectFD("tcp", "1.2.3.4:443", 7))

	var got int
	c.SetProtector(func(fd int) bool {
		got = fd
		return fd != 13
	})
	require.NoError(t, protectFD("tcp", "1.2.3.4:443", 7))
	assert.Equal(t, 7, got)
	assert.Error(t, protectFD("udp", "1.2.3.4:53", 13))
}

func TestProtectControl_RawConn(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	raw, err := pc.(*net.UDPConn).SyscallConn()
	require.NoError(t, err)

	c := New()
	t.Cleanup(func() { c.SetProtector(nil) })

	var got int
	c.SetProtector(func(fd int) bool {
		got = fd
		return true
	})
	require.NoError(t, protectControl("udp", "127.0.0.1:53", raw))
	assert.Positive(t, got)

	c.SetProtector(func(int) bool { return false })
	assert.Error(t, protectControl("udp", "127.0.0.1:53", raw))
}

func TestCore_Version(t *testing.T) {
	assert.NotEmpty(t, New().Version())
}

func TestCore_LogsReachZerologAfterStart(t *testing.T) {
	c := New()
	require.NoError(t, c.InitEnv(engine.Env{}))
	require.NoError(t, c.Start([]byte(freedomConfig), nil))
	t.Cleanup(func() { _ = c.Stop() })

	buf := captureLogs(t)
	recordXrayLog("engine up")

	out := buf.String()
	assert.Contains(t, out, "engine up")
	assert.Contains(t, out, `"component":"xray"`)
}

func TestCore_LogsReachZerologAfterStop(t *testing.T) {
	c := New()
	require.NoError(t, c.Start([]byte(freedomConfig), nil))
	require.NoError(t, c.Stop())

	buf := captureLogs(t)
	recordXrayLog("engine down")
	assert.Contains(t, buf.String(), "engine down")
}

func TestCore_LogsReachZerologAfterOutboundMeasure(t *testing.T) {
	c := New()

	ms, err := c.MeasureOutboundDelay(t.Context(), []byte(freedomConfig), "http://127.0.0.1:1/")
	require.Error(t, err)
	assert.Equal(t, int64(-1), ms)

	buf := captureLogs(t)
	recordXrayLog("measure done")
	assert.Contains(t, buf.String(), "measure done")
}

func TestCore_InitEnvSetsXUDPBaseKey(t *testing.T) {
	prev := xudp.BaseKey
	t.Cleanup(func() { xudp.BaseKey = prev })

	key := bytes.Repeat([]byte{0x5a}, 32)
	require.NoError(t, New().InitEnv(engine.Env{XUDPBaseKey: base64.RawURLEncoding.EncodeToString(key)}))
	assert.Equal(t, key, xudp.BaseKey)

	err := New().InitEnv(engine.Env{XUDPBaseKey: "c2hvcnQ"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
	assert.Equal(t, key, xudp.BaseKey)
}
