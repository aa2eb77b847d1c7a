//go:build !linux

package tun

import (
	"fmt"
	"net/netip"
)

// DeviceBuilder reports ErrUnsupported outside Linux.
type DeviceBuilder struct {
	name string
}

// NewDeviceBuilder returns a builder for the interface called name.
func NewDeviceBuilder(name string) *DeviceBuilder {
	return &DeviceBuilder{name: name}
}

func (b *DeviceBuilder) Prepare() error {
	return fmt.Errorf("tun device: %w", ErrUnsupported)
}

func (b *DeviceBuilder) SetSession(string) {}

func (b *DeviceBuilder) SetMTU(int) {}

func (b *DeviceBuilder) AddAddress(netip.Prefix) error { return ErrUnsupported }

func (b *DeviceBuilder) AddRoute(netip.Prefix) error { return ErrUnsupported }

func (b *DeviceBuilder) AddDNSServer(netip.Addr) error { return ErrUnsupported }

func (b *DeviceBuilder) AddDisallowedApplication(string) error { return ErrUnsupported }

func (b *DeviceBuilder) Establish() (Handle, error) {
	return nil, fmt.Errorf("tun device: %w", ErrUnsupported)
}
