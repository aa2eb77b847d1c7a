package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/testutil"
)

const engineDoc = `{"inbounds":[{"protocol":"socks","port":10808}],"outbounds":[{"protocol":"freedom","tag":"proxy"}]}`

func TestLoadDaemonConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
log_level: "debug"
socket_path: "/tmp/tv.sock"
data_dir: "/srv/tunvisor"
app_label: "Work VPN"
delay_url: "http://example.com/204"
xudp_base_key: "WlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlo"
relay:
  binary: "/usr/lib/tunvisor/tun2socks"
  respawn_delay: "2s"
tun:
  name: "tv0"
  mtu: 1400
metrics:
  enabled: true
  listen: ":9100"
  trace: true
loki:
  enabled: true
  url: "http://127.0.0.1:3100"
  labels:
    host: "laptop"
  flush_interval: "2s"
audit: true
`
	configPath := testutil.TempFile(t, dir, "tunvisor.yaml", content)

	cfg, err := LoadDaemonConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/tv.sock", cfg.SocketPath)
	assert.Equal(t, "/srv/tunvisor", cfg.DataDir)
	assert.Equal(t, "/srv/tunvisor/assets", cfg.AssetDir)
	assert.Equal(t, "Work VPN", cfg.AppLabel)
	assert.Equal(t, "http://example.com/204", cfg.DelayURL)
	assert.Equal(t, "WlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlo", cfg.XUDPKey)
	assert.Equal(t, "/usr/lib/tunvisor/tun2socks", cfg.Relay.Binary)
	assert.Equal(t, 2*time.Second, cfg.RespawnDelay())
	assert.Equal(t, "tv0", cfg.TUN.Name)
	assert.Equal(t, 1400, cfg.TUN.MTU)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.True(t, cfg.Metrics.Trace)
	assert.True(t, cfg.Loki.Enabled)
	assert.Equal(t, "http://127.0.0.1:3100", cfg.Loki.URL)
	assert.Equal(t, map[string]string{"host": "laptop"}, cfg.Loki.Labels)
	assert.Equal(t, 2*time.Second, cfg.Loki.FlushEvery())
	assert.True(t, cfg.Audit)
	assert.Equal(t, "/srv/tunvisor/relay", cfg.RelayWorkDir())
}

func TestLoadDaemonConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "tunvisor.yaml", "log_level: info\n")

	cfg, err := LoadDaemonConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultSocketPath, cfg.SocketPath)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(DefaultDataDir, "assets"), cfg.AssetDir)
	assert.Equal(t, DefaultAppLabel, cfg.AppLabel)
	assert.Equal(t, DefaultDelayURL, cfg.DelayURL)
	assert.Equal(t, DefaultRelayBin, cfg.Relay.Binary)
	assert.Equal(t, DefaultTUNName, cfg.TUN.Name)
	assert.Equal(t, DefaultTUNMTU, cfg.TUN.MTU)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetrics, cfg.Metrics.Listen)
	assert.Zero(t, cfg.RespawnDelay())
	assert.False(t, cfg.Loki.Enabled)
	assert.Zero(t, cfg.Loki.FlushEvery())
	assert.Equal(t, DefaultDaemonConfig(), &DaemonConfig{
		LogLevel:   "",
		SocketPath: cfg.SocketPath,
		DataDir:    cfg.DataDir,
		AssetDir:   cfg.AssetDir,
		AppLabel:   cfg.AppLabel,
		DelayURL:   cfg.DelayURL,
		Relay:      cfg.Relay,
		TUN:        cfg.TUN,
		Metrics:    cfg.Metrics,
	})
}

func TestLoadDaemonConfig_ExpandsHome(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "tunvisor.yaml", "data_dir: \"~/.tunvisor\"\n")

	cfg, err := LoadDaemonConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(homeDir, ".tunvisor"), cfg.DataDir)
	assert.Equal(t, filepath.Join(homeDir, ".tunvisor", "assets"), cfg.AssetDir)
}

func TestLoadDaemonConfig_FileNotFound(t *testing.T) {
	_, err := LoadDaemonConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadDaemonConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "tunvisor.yaml", "tun: [invalid yaml\n")

	_, err := LoadDaemonConfig(configPath)
	assert.Error(t, err)
}

func TestDaemonConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*DaemonConfig)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(*DaemonConfig) {},
		},
		{
			name:    "bad log level",
			modify:  func(c *DaemonConfig) { c.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "short xudp key",
			modify:  func(c *DaemonConfig) { c.XUDPKey = "c2hvcnQ" },
			wantErr: "xudp_base_key",
		},
		{
			name:    "padded xudp key",
			modify:  func(c *DaemonConfig) { c.XUDPKey = "WlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlo=" },
			wantErr: "xudp_base_key",
		},
		{
			name:   "valid xudp key",
			modify: func(c *DaemonConfig) { c.XUDPKey = "WlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlo" },
		},
		{
			name:    "bad respawn delay",
			modify:  func(c *DaemonConfig) { c.Relay.RespawnDelay = "soon" },
			wantErr: "respawn_delay",
		},
		{
			name:    "negative respawn delay",
			modify:  func(c *DaemonConfig) { c.Relay.RespawnDelay = "-1s" },
			wantErr: "respawn_delay",
		},
		{
			name:    "mtu too small",
			modify:  func(c *DaemonConfig) { c.TUN.MTU = 100 },
			wantErr: "tun.mtu",
		},
		{
			name:    "interface name too long",
			modify:  func(c *DaemonConfig) { c.TUN.Name = "tunvisor-interface0" },
			wantErr: "tun.name",
		},
		{
			name: "bad metrics listen",
			modify: func(c *DaemonConfig) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = "9100"
			},
			wantErr: "metrics.listen",
		},
		{
			name:   "metrics listen ignored when disabled",
			modify: func(c *DaemonConfig) { c.Metrics.Listen = "9100" },
		},
		{
			name: "loki without url",
			modify: func(c *DaemonConfig) {
				c.Loki.Enabled = true
			},
			wantErr: "loki.url",
		},
		{
			name: "loki bad scheme",
			modify: func(c *DaemonConfig) {
				c.Loki.Enabled = true
				c.Loki.URL = "ftp://loki:3100"
			},
			wantErr: "loki.url",
		},
		{
			name: "loki bad flush interval",
			modify: func(c *DaemonConfig) {
				c.Loki.Enabled = true
				c.Loki.URL = "http://loki:3100"
				c.Loki.FlushInterval = "0s"
			},
			wantErr: "loki.flush_interval",
		},
		{
			name: "loki valid",
			modify: func(c *DaemonConfig) {
				c.Loki.Enabled = true
				c.Loki.URL = "https://loki.example.com"
				c.Loki.FlushInterval = "10s"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDaemonConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSessionConfig_EngineConfigFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	testutil.TempFile(t, dir, "engines/home.json", engineDoc)
	content := `
remark: "home"
mode: "vpn_tun"
traffic_stats: true
bypass_subnets:
  - "10.0.0.0/8"
  - "192.168.0.0/16"
blocked_apps:
  - "com.example.app"
engine_config_file: "engines/home.json"
`
	path := testutil.TempFile(t, dir, "home.yaml", content)

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "home", cfg.Remark)
	assert.Equal(t, session.ModeVPNTun, cfg.Mode)
	assert.True(t, cfg.TrafficStats)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.BypassSubnets)
	assert.Equal(t, []string{"com.example.app"}, cfg.BlockedApps)
	assert.JSONEq(t, engineDoc, string(cfg.EngineConfig))

	port, err := cfg.ResolveSocksPort()
	require.NoError(t, err)
	assert.Equal(t, 10808, port)
}

func TestLoadSessionConfig_InlineDefaultsToVPN(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := "remark: inline\nengine_config: '" + engineDoc + "'\n"
	path := testutil.TempFile(t, dir, "inline.yaml", content)

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)
	assert.Equal(t, session.ModeVPNTun, cfg.Mode)
	assert.JSONEq(t, engineDoc, string(cfg.EngineConfig))
}

func TestLoadSessionConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing engine config",
			content: "remark: empty\n",
			wantErr: "required",
		},
		{
			name:    "both sources",
			content: "engine_config: '{}'\nengine_config_file: x.json\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "invalid json",
			content: "engine_config: '{not json'\n",
			wantErr: "not valid JSON",
		},
		{
			name:    "missing file",
			content: "engine_config_file: missing.json\n",
			wantErr: "read engine config",
		},
		{
			name:    "unknown mode",
			content: "mode: bridge\nengine_config: '{}'\n",
			wantErr: "unknown mode",
		},
		{
			name:    "bad bypass subnet",
			content: "bypass_subnets: [\"10.0.0.0/33\"]\nengine_config: '{}'\n",
			wantErr: "bypass subnet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t)
			defer cleanup()

			path := testutil.TempFile(t, dir, "session.yaml", tt.content)
			_, err := LoadSessionConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyLogLevel(t *testing.T) {
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "trace level", level: "trace", expectApplied: true, expectLevel: zerolog.TraceLevel},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "error level", level: "error", expectApplied: true, expectLevel: zerolog.ErrorLevel},
		{name: "invalid level", level: "invalid", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			} else {
				assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
			}
		})
	}
}
