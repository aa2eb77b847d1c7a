package tun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	valid := Config{Name: "tunvisor0", MTU: 1500, Address: DefaultAddress}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing name", func(c *Config) { c.Name = "" }, true},
		{"MTU too small", func(c *Config) { c.MTU = 100 }, true},
		{"MTU too large", func(c *Config) { c.MTU = 70000 }, true},
		{"missing address", func(c *Config) { c.Address = netip.Prefix{} }, true},
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

func TestDeviceBuilder_DisallowedApplicationUnsupported(t *testing.T) {
	b := NewDeviceBuilder("tunvisor0")
	assert.ErrorIs(t, b.AddDisallowedApplication("firefox"), ErrUnsupported)
}
