// Package session implements the connect/disconnect state machine that ties
// the engine, the tunnel interface, the packet relay and telemetry together.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"

	"github.com/tidwall/gjson"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid session config")

// ErrNoSession is returned by operations that need a connected session.
var ErrNoSession = errors.New("no active session")

// Mode selects how traffic reaches the engine.
type Mode string

const (
	// ModeProxyOnly exposes only the engine's local inbounds.
	ModeProxyOnly Mode = "proxy_only"
	// ModeVPNTun routes system traffic through a TUN interface and the relay.
	ModeVPNTun Mode = "vpn_tun"
)

// Config is one start request. It is not modified after Start accepts it.
type Config struct {
	Remark            string          `json:"remark" yaml:"remark"`
	EngineConfig      json.RawMessage `json:"engine_config" yaml:"-"`
	Mode              Mode            `json:"mode" yaml:"mode"`
	SocksPort         int             `json:"socks_port,omitempty" yaml:"socks_port"`
	BypassSubnets     []string        `json:"bypass_subnets,omitempty" yaml:"bypass_subnets"`
	BlockedApps       []string        `json:"blocked_apps,omitempty" yaml:"blocked_apps"`
	TrafficStats      bool            `json:"traffic_stats" yaml:"traffic_stats"`
	NotificationLabel string          `json:"notification_label,omitempty" yaml:"notification_label"`
	Icon              string          `json:"icon,omitempty" yaml:"icon"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.EngineConfig) == 0 {
		return fmt.Errorf("%w: engine config is required", ErrInvalidConfig)
	}
	switch c.Mode {
	case ModeProxyOnly, ModeVPNTun:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.SocksPort < 0 || c.SocksPort > 65535 {
		return fmt.Errorf("%w: invalid socks port %d", ErrInvalidConfig, c.SocksPort)
	}
	for _, s := range c.BypassSubnets {
		if _, err := netip.ParsePrefix(s); err != nil {
			return fmt.Errorf("%w: bypass subnet %q: %v", ErrInvalidConfig, s, err)
		}
	}
	return nil
}

// ResolveSocksPort returns SocksPort, or the port of the first socks inbound
// in the engine configuration when SocksPort is zero.
func (c *Config) ResolveSocksPort() (int, error) {
	if c.SocksPort > 0 {
		return c.SocksPort, nil
	}
	port := gjson.GetBytes(c.EngineConfig, `inbounds.#(protocol=="socks").port`)
	if !port.Exists() || port.Int() <= 0 || port.Int() > 65535 {
		return 0, fmt.Errorf("%w: no socks port and no socks inbound in engine config", ErrInvalidConfig)
	}
	return int(port.Int()), nil
}
