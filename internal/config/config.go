// Package config handles configuration loading and validation for tunvisor.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/tunvisor/tunvisor/internal/session"
)

// Defaults applied by LoadDaemonConfig.
const (
	DefaultSocketPath = "/var/run/tunvisor.sock"
	DefaultDataDir    = "/var/lib/tunvisor"
	DefaultAppLabel   = "tunvisor"
	DefaultDelayURL   = "https://www.google.com/generate_204"
	DefaultRelayBin   = "tun2socks"
	DefaultTUNName    = "tunvisor0"
	DefaultTUNMTU     = 1500
	DefaultMetrics    = "127.0.0.1:9464"
)

// RelayConfig holds configuration for the packet relay process.
type RelayConfig struct {
	Binary       string `yaml:"binary"`
	RespawnDelay string `yaml:"respawn_delay"` // Duration string, e.g. "1s"
	LogLevel     string `yaml:"log_level"`
}

// TUNConfig holds configuration for the TUN interface.
type TUNConfig struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Trace   bool   `yaml:"trace"` // Serve /debug/trace from a runtime flight recorder
}

// LokiConfig holds configuration for shipping daemon logs to Loki.
type LokiConfig struct {
	Enabled       bool              `yaml:"enabled"`
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"` // Duration string, e.g. "5s"
}

// FlushEvery returns the parsed flush interval, zero when unset or invalid.
func (c LokiConfig) FlushEvery() time.Duration {
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil {
		return 0
	}
	return d
}

// DaemonConfig holds configuration for the tunvisor daemon.
type DaemonConfig struct {
	LogLevel   string        `yaml:"log_level"`
	SocketPath string        `yaml:"socket_path"`
	DataDir    string        `yaml:"data_dir"`  // Relay work dir and state (default: /var/lib/tunvisor)
	AssetDir   string        `yaml:"asset_dir"` // Geo data for the engine (default: <data_dir>/assets)
	AppLabel   string        `yaml:"app_label"`
	Icon       string        `yaml:"icon"`
	DelayURL   string        `yaml:"delay_url"`
	XUDPKey    string        `yaml:"xudp_base_key"` // base64url, 32 bytes; random per process when empty
	Relay      RelayConfig   `yaml:"relay"`
	TUN        TUNConfig     `yaml:"tun"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Loki       LokiConfig    `yaml:"loki"`
	Audit      bool          `yaml:"audit"` // Log control commands and transitions under component=audit
}

// DefaultDaemonConfig returns a configuration with every default applied.
func DefaultDaemonConfig() *DaemonConfig {
	cfg := &DaemonConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadDaemonConfig loads daemon configuration from a YAML file.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &DaemonConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *DaemonConfig) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.AssetDir == "" {
		c.AssetDir = filepath.Join(c.DataDir, "assets")
	}
	c.AssetDir = expandHome(c.AssetDir)
	c.SocketPath = expandHome(c.SocketPath)
	if c.AppLabel == "" {
		c.AppLabel = DefaultAppLabel
	}
	if c.DelayURL == "" {
		c.DelayURL = DefaultDelayURL
	}
	if c.Relay.Binary == "" {
		c.Relay.Binary = DefaultRelayBin
	}
	if c.TUN.Name == "" {
		c.TUN.Name = DefaultTUNName
	}
	if c.TUN.MTU == 0 {
		c.TUN.MTU = DefaultTUNMTU
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetrics
	}
}

// RespawnDelay returns the parsed relay respawn delay, zero when unset.
func (c *DaemonConfig) RespawnDelay() time.Duration {
	if c.Relay.RespawnDelay == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Relay.RespawnDelay)
	if err != nil {
		return 0
	}
	return d
}

// RelayWorkDir is where the relay runs and creates its handoff socket.
func (c *DaemonConfig) RelayWorkDir() string {
	return filepath.Join(c.DataDir, "relay")
}

// Validate checks if the daemon configuration is valid.
func (c *DaemonConfig) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level %q", c.LogLevel)
		}
	}
	if c.XUDPKey != "" {
		if key, err := base64.RawURLEncoding.DecodeString(c.XUDPKey); err != nil || len(key) != 32 {
			return fmt.Errorf("xudp_base_key must be 32 bytes encoded as unpadded base64url")
		}
	}
	if c.Relay.RespawnDelay != "" {
		d, err := time.ParseDuration(c.Relay.RespawnDelay)
		if err != nil {
			return fmt.Errorf("invalid relay.respawn_delay: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("relay.respawn_delay must not be negative")
		}
	}
	if c.TUN.MTU < 576 || c.TUN.MTU > 65535 {
		return fmt.Errorf("tun.mtu must be between 576 and 65535")
	}
	if len(c.TUN.Name) > 15 {
		return fmt.Errorf("tun.name must be at most 15 characters")
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	if c.Loki.Enabled {
		u, err := url.Parse(c.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("loki.url must be an http(s) URL")
		}
		if c.Loki.FlushInterval != "" {
			if d, err := time.ParseDuration(c.Loki.FlushInterval); err != nil || d <= 0 {
				return fmt.Errorf("invalid loki.flush_interval %q", c.Loki.FlushInterval)
			}
		}
		if c.Loki.BatchSize < 0 {
			return fmt.Errorf("loki.batch_size must not be negative")
		}
	}
	return nil
}

// sessionFile is the on-disk form of a session.Config. The engine document
// is given inline or by path.
type sessionFile struct {
	session.Config   `yaml:",inline"`
	EngineConfig     string `yaml:"engine_config"`
	EngineConfigFile string `yaml:"engine_config_file"`
}

// LoadSessionConfig loads a session definition from a YAML file. A relative
// engine_config_file is resolved against the session file's directory.
func LoadSessionConfig(path string) (*session.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	doc := strings.TrimSpace(f.EngineConfig)
	if f.EngineConfigFile != "" {
		if doc != "" {
			return nil, fmt.Errorf("engine_config and engine_config_file are mutually exclusive")
		}
		enginePath := expandHome(f.EngineConfigFile)
		if !filepath.IsAbs(enginePath) {
			enginePath = filepath.Join(filepath.Dir(path), enginePath)
		}
		raw, err := os.ReadFile(enginePath)
		if err != nil {
			return nil, fmt.Errorf("read engine config: %w", err)
		}
		doc = strings.TrimSpace(string(raw))
	}
	if doc == "" {
		return nil, fmt.Errorf("engine_config or engine_config_file is required")
	}
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("engine config is not valid JSON")
	}

	cfg := f.Config
	cfg.EngineConfig = []byte(doc)
	if cfg.Mode == "" {
		cfg.Mode = session.ModeVPNTun
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyLogLevel sets the global zerolog level. It reports whether level was
// recognised and applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
