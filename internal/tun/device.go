package tun

import (
	"fmt"
	"net/netip"
)

// Policy routing used by the Linux builder. Session routes live in
// RouteTable; sockets marked with ProtectMark bypass it.
const (
	RouteTable  = 0x1a1a
	ProtectMark = 0x1a1a

	rulePriorityProtect = 9000
	rulePriorityTunnel  = 9001
)

// Config holds the settings collected by a builder.
type Config struct {
	Name    string
	MTU     int
	Address netip.Prefix
	Routes  []netip.Prefix
	DNS     []netip.Addr
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("interface name is required")
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("MTU must be between 576 and 65535")
	}
	if !c.Address.IsValid() {
		return fmt.Errorf("address is required")
	}
	return nil
}
