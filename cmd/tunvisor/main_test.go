package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunvisor/tunvisor/internal/control"
	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/internal/status"
	"github.com/tunvisor/tunvisor/testutil"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "start", "stop", "status", "watch", "delay", "probe", "version", "service"} {
		assert.Contains(t, names, want)
	}

	flag := root.PersistentFlags().Lookup("service-run")
	require.NotNil(t, flag)
	assert.True(t, flag.Hidden)
}

func TestServiceCmd_Subcommands(t *testing.T) {
	cmd := newServiceCmd()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"install", "uninstall", "start", "stop", "restart", "status", "logs"}, names)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("name"))
}

func TestServiceFlags_Unit(t *testing.T) {
	defer func() { cfgFile = "" }()

	f := serviceFlags{name: "tunvisor-work", user: "vpn"}
	cfgFile = ""
	u := f.unit()
	assert.Equal(t, "tunvisor-work", u.Name)
	assert.Equal(t, "vpn", u.User)
	assert.Equal(t, "/etc/tunvisor/tunvisor.yaml", u.ConfigPath)

	cfgFile = "/opt/work.yaml"
	assert.Equal(t, "/opt/work.yaml", f.unit().ConfigPath)
}

func TestResolveSocketPath(t *testing.T) {
	defer func() {
		socketPath = ""
		cfgFile = ""
	}()

	socketPath, cfgFile = "", ""
	assert.Equal(t, control.DefaultSocketPath(), resolveSocketPath())

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cfgFile = testutil.TempFile(t, dir, "tunvisor.yaml", "socket_path: "+filepath.Join(dir, "ctl.sock")+"\n")
	assert.Equal(t, filepath.Join(dir, "ctl.sock"), resolveSocketPath())

	socketPath = "/tmp/explicit.sock"
	assert.Equal(t, "/tmp/explicit.sock", resolveSocketPath())
}

func TestLoadConfig_FromFlag(t *testing.T) {
	defer func() { cfgFile = "" }()

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfgFile = testutil.TempFile(t, dir, "tunvisor.yaml", "tun:\n  name: tv1\n")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "tv1", cfg.TUN.Name)

	cfgFile = testutil.TempFile(t, dir, "bad.yaml", "tun:\n  mtu: 10\n")
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestPrintStatus_Connected(t *testing.T) {
	st := &session.Status{
		Snapshot: status.Snapshot{
			State:         status.Connected,
			Duration:      "00:01:05",
			UploadSpeed:   2048,
			DownloadSpeed: 1024 * 1024,
			TotalUpload:   4096,
			TotalDownload: 3 * 1024 * 1024,
		},
		Running:       true,
		SessionID:     "abc",
		Remark:        "home",
		Mode:          session.ModeVPNTun,
		ConnectedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Interface:     "tunvisor0",
		RelayPID:      4242,
		RelayLaunches: 2,
		SkippedDNS:    []string{"dns.example"},
		CoreVersion:   "26.2.6",
	}

	var buf bytes.Buffer
	printStatus(&buf, st)
	out := buf.String()

	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "home")
	assert.Contains(t, out, "vpn_tun")
	assert.Contains(t, out, "2026-01-02T03:04:05Z (00:01:05)")
	assert.Contains(t, out, "tunvisor0")
	assert.Contains(t, out, "pid 4242, 2 launches")
	assert.Contains(t, out, "dns.example")
	assert.Contains(t, out, "2.00 KB/s (4.00 KB)")
	assert.Contains(t, out, "1.00 MB/s (3.00 MB)")
	assert.Contains(t, out, "26.2.6")
}

func TestPrintStatus_Idle(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &session.Status{Snapshot: status.Zero()})
	out := buf.String()

	assert.Contains(t, out, "disconnected")
	assert.NotContains(t, out, "Session:")
	assert.NotContains(t, out, "Relay:")
	assert.Contains(t, out, "0 B/s (0 B)")
}

func TestFormatSnapshot(t *testing.T) {
	line := formatSnapshot(status.Snapshot{
		State:         status.Connected,
		Duration:      "01:00:00",
		UploadSpeed:   1024,
		TotalDownload: 2048,
	})
	assert.True(t, strings.HasPrefix(line, "connected"))
	assert.Contains(t, line, "01:00:00")
	assert.Contains(t, line, "up 1.00 KB/s")
	assert.Contains(t, line, "total 0 B / 2.00 KB")
}

func TestPrintDelay(t *testing.T) {
	var buf bytes.Buffer
	printDelay(&buf, 120, "")
	assert.Equal(t, "Delay: 120 ms\n", buf.String())

	buf.Reset()
	printDelay(&buf, -1, "engine not running")
	assert.Equal(t, "Delay: failed (engine not running)\n", buf.String())
}
