// Package relay launches and supervises the tun2socks packet relay and hands
// it the TUN file descriptor.
package relay

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"
)

// Point-to-point addressing of the relay side of the tunnel.
const (
	DefaultNetifAddr = "26.26.26.2"
	DefaultNetmask   = "255.255.255.252"
	DefaultMTU       = 1500
	DefaultLogLevel  = "error"

	// SocketName is the relay's fd socket, relative to the working directory.
	SocketName = "sock_path"
)

// Config describes one relay subprocess.
type Config struct {
	Binary    string
	WorkDir   string
	SocksHost string
	SocksPort int
	NetifAddr string
	Netmask   string
	MTU       int
	LogLevel  string
	// RespawnDelay is waited before relaunching an exited relay.
	RespawnDelay time.Duration
}

// WithDefaults returns a copy with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.SocksHost == "" {
		c.SocksHost = "127.0.0.1"
	}
	if c.NetifAddr == "" {
		c.NetifAddr = DefaultNetifAddr
	}
	if c.Netmask == "" {
		c.Netmask = DefaultNetmask
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Binary == "" {
		return errors.New("relay binary is required")
	}
	if c.WorkDir == "" {
		return errors.New("relay working directory is required")
	}
	if c.SocksPort <= 0 || c.SocksPort > 65535 {
		return fmt.Errorf("invalid socks port %d", c.SocksPort)
	}
	if c.RespawnDelay < 0 {
		return fmt.Errorf("invalid respawn delay %s", c.RespawnDelay)
	}
	return nil
}

// SocketPath is the absolute path of the fd handoff socket.
func (c Config) SocketPath() string {
	return filepath.Join(c.WorkDir, SocketName)
}

// SocksAddr is the local proxy address passed to the relay.
func (c Config) SocksAddr() string {
	return net.JoinHostPort(c.SocksHost, strconv.Itoa(c.SocksPort))
}

// Args returns the relay command line, without the binary. The socket path is
// relative to WorkDir.
func (c Config) Args() []string {
	c = c.WithDefaults()
	return []string{
		"--netif-ipaddr", c.NetifAddr,
		"--netif-netmask", c.Netmask,
		"--socks-server-addr", c.SocksAddr(),
		"--tunmtu", strconv.Itoa(c.MTU),
		"--sock-path", SocketName,
		"--enable-udprelay",
		"--loglevel", c.LogLevel,
	}
}
