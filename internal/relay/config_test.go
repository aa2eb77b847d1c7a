package relay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Args(t *testing.T) {
	cfg := Config{Binary: "/usr/bin/tun2socks", WorkDir: "/var/lib/tunvisor", SocksPort: 10808}

	assert.Equal(t, []string{
		"--netif-ipaddr", "26.26.26.2",
		"--netif-netmask", "255.255.255.252",
		"--socks-server-addr", "127.0.0.1:10808",
		"--tunmtu", "1500",
		"--sock-path", "sock_path",
		"--enable-udprelay",
		"--loglevel", "error",
	}, cfg.Args())
}

func TestConfig_SocketPath(t *testing.T) {
	cfg := Config{WorkDir: "/var/lib/tunvisor"}
	assert.Equal(t, filepath.Join("/var/lib/tunvisor", "sock_path"), cfg.SocketPath())
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Binary: "tun2socks", WorkDir: "/tmp", SocksPort: 1080}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing binary", func(c *Config) { c.Binary = "" }, true},
		{"missing workdir", func(c *Config) { c.WorkDir = "" }, true},
		{"zero port", func(c *Config) { c.SocksPort = 0 }, true},
		{"port too large", func(c *Config) { c.SocksPort = 70000 }, true},
		{"negative delay", func(c *Config) { c.RespawnDelay = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
