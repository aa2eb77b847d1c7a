// Package tun establishes the virtual interface that carries session traffic.
package tun

import (
	"errors"
	"net/netip"
)

var (
	// ErrPermissionDenied is returned when the platform refuses to create
	// the interface.
	ErrPermissionDenied = errors.New("tun permission denied")

	// ErrUnsupported is returned by builders for features the platform
	// cannot provide.
	ErrUnsupported = errors.New("not supported on this platform")
)

// Handle is an established interface.
type Handle interface {
	Name() string
	// FD is the descriptor handed to the packet relay.
	FD() int
	Close() error
}

// Builder assembles one interface. A builder is used once.
type Builder interface {
	// Prepare checks that the process may create interfaces.
	Prepare() error
	SetSession(name string)
	SetMTU(mtu int)
	AddAddress(prefix netip.Prefix) error
	AddRoute(prefix netip.Prefix) error
	AddDNSServer(addr netip.Addr) error
	AddDisallowedApplication(app string) error
	Establish() (Handle, error)
}
