//go:build linux

package tun

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// DeviceBuilder creates a water TUN device and configures it with netlink.
type DeviceBuilder struct {
	name string
	cfg  Config
}

// NewDeviceBuilder returns a builder for the interface called name.
func NewDeviceBuilder(name string) *DeviceBuilder {
	return &DeviceBuilder{name: name}
}

// Prepare checks for CAP_NET_ADMIN by probing the tun control device.
func (b *DeviceBuilder) Prepare() error {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return err
	}
	return f.Close()
}

func (b *DeviceBuilder) SetSession(name string) {
	if name != "" {
		log.Debug().Str("session", name).Str("device", b.name).Msg("building interface")
	}
}

func (b *DeviceBuilder) SetMTU(mtu int) {
	b.cfg.MTU = mtu
}

func (b *DeviceBuilder) AddAddress(prefix netip.Prefix) error {
	if !prefix.Addr().Is4() {
		return fmt.Errorf("only IPv4 supported: %s", prefix)
	}
	b.cfg.Address = prefix
	return nil
}

func (b *DeviceBuilder) AddRoute(prefix netip.Prefix) error {
	if !prefix.Addr().Is4() {
		return fmt.Errorf("only IPv4 supported: %s", prefix)
	}
	b.cfg.Routes = append(b.cfg.Routes, prefix.Masked())
	return nil
}

func (b *DeviceBuilder) AddDNSServer(addr netip.Addr) error {
	b.cfg.DNS = append(b.cfg.DNS, addr)
	return nil
}

// AddDisallowedApplication is not available; Linux has no per-app routing.
func (b *DeviceBuilder) AddDisallowedApplication(app string) error {
	return fmt.Errorf("exclude %s: %w", app, ErrUnsupported)
}

// Establish creates the device, assigns the address, brings it up and
// installs routes and policy rules.
func (b *DeviceBuilder) Establish() (Handle, error) {
	b.cfg.Name = b.name
	if err := b.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tunCfg := water.Config{DeviceType: water.TUN}
	tunCfg.Name = b.cfg.Name
	iface, err := water.New(tunCfg)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("create TUN interface: %w", err)
	}

	dev := &Device{iface: iface, name: iface.Name()}
	if err := dev.configure(b.cfg); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("configure interface: %w", err)
	}
	configureDNS(dev.name, b.cfg.DNS)

	log.Info().
		Str("name", dev.name).
		Str("address", b.cfg.Address.String()).
		Int("mtu", b.cfg.MTU).
		Msg("TUN device created")
	return dev, nil
}

// Device is an established Linux TUN interface.
type Device struct {
	iface *water.Interface
	name  string
	rules []*netlink.Rule

	mu     sync.Mutex
	closed bool
}

func (d *Device) configure(cfg Config) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("find link: %w", err)
	}
	if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
		return fmt.Errorf("set MTU: %w", err)
	}
	addr := &netlink.Addr{IPNet: prefixToIPNet(cfg.Address)}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add address: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}

	for _, prefix := range cfg.Routes {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Family:    netlink.FAMILY_V4,
			Scope:     netlink.SCOPE_LINK,
			Dst:       prefixToIPNet(prefix),
			Table:     RouteTable,
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("add route %s: %w", prefix, err)
		}
	}

	protect := netlink.NewRule()
	protect.Family = netlink.FAMILY_V4
	protect.Priority = rulePriorityProtect
	protect.Mark = ProtectMark
	protect.Table = unix.RT_TABLE_MAIN

	tunnel := netlink.NewRule()
	tunnel.Family = netlink.FAMILY_V4
	tunnel.Priority = rulePriorityTunnel
	tunnel.Table = RouteTable

	for _, rule := range []*netlink.Rule{protect, tunnel} {
		if err := netlink.RuleAdd(rule); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("add rule %d: %w", rule.Priority, err)
		}
		d.rules = append(d.rules, rule)
	}
	return nil
}

func (d *Device) Name() string {
	return d.name
}

// FD returns the descriptor of the TUN queue.
func (d *Device) FD() int {
	if f, ok := d.iface.ReadWriteCloser.(*os.File); ok {
		return int(f.Fd())
	}
	return -1
}

// Close removes the policy rules and closes the device. Routes disappear with
// the link.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for _, rule := range d.rules {
		if err := netlink.RuleDel(rule); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("delete rule %d: %w", rule.Priority, err))
		}
	}
	log.Info().Str("name", d.name).Msg("closing TUN device")
	if err := d.iface.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// configureDNS points systemd-resolved at the session DNS servers for the
// interface. Failures only lose per-link DNS.
func configureDNS(name string, servers []netip.Addr) {
	if len(servers) == 0 {
		return
	}
	if _, err := exec.LookPath("resolvectl"); err != nil {
		log.Debug().Msg("resolvectl not found, skipping dns configuration")
		return
	}
	args := []string{"dns", name}
	for _, s := range servers {
		args = append(args, s.String())
	}
	if out, err := exec.Command("resolvectl", args...).CombinedOutput(); err != nil {
		log.Warn().Str("output", strings.TrimSpace(string(out))).Err(err).Msg("resolvectl dns failed")
		return
	}
	if out, err := exec.Command("resolvectl", "domain", name, "~.").CombinedOutput(); err != nil {
		log.Warn().Str("output", strings.TrimSpace(string(out))).Err(err).Msg("resolvectl domain failed")
	}
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
