package tun

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Fixed local side of the point-to-point link.
var (
	DefaultAddress = netip.MustParsePrefix("26.26.26.1/30")
	DefaultRoute   = netip.MustParsePrefix("0.0.0.0/0")
)

// DefaultMTU is the interface MTU.
const DefaultMTU = 1500

// Request describes the interface wanted by a session.
type Request struct {
	Session       string
	EngineConfig  []byte
	BypassSubnets []string
	BlockedApps   []string
}

// Report lists what was applied and what was skipped.
type Report struct {
	Routes        []netip.Prefix
	DNS           []netip.Addr
	DNSFallback   bool
	SkippedRoutes []string
	SkippedDNS    []string
	SkippedApps   []string
}

// Manager turns a Request into an established interface.
type Manager struct {
	newBuilder func() Builder
	address    netip.Prefix
	mtu        int
}

// NewManager creates a manager that uses newBuilder for every interface.
func NewManager(newBuilder func() Builder) *Manager {
	return &Manager{
		newBuilder: newBuilder,
		address:    DefaultAddress,
		mtu:        DefaultMTU,
	}
}

// SetMTU overrides the interface MTU. Values outside 576-65535 are ignored.
func (m *Manager) SetMTU(mtu int) {
	if mtu >= 576 && mtu <= 65535 {
		m.mtu = mtu
	}
}

// MTU returns the MTU applied to new interfaces.
func (m *Manager) MTU() int {
	return m.mtu
}

// Establish builds the interface. Individual routes, DNS servers and
// disallowed applications that fail are skipped and listed in the report;
// only permission refusal and establishment failure are errors.
func (m *Manager) Establish(req Request) (Handle, Report, error) {
	var report Report
	b := m.newBuilder()

	if err := b.Prepare(); err != nil {
		return nil, report, fmt.Errorf("prepare interface: %w", err)
	}

	b.SetSession(req.Session)
	b.SetMTU(m.mtu)
	if err := b.AddAddress(m.address); err != nil {
		return nil, report, fmt.Errorf("add address %s: %w", m.address, err)
	}

	for _, prefix := range routesFor(req.BypassSubnets, &report) {
		if err := b.AddRoute(prefix); err != nil {
			log.Warn().Err(err).Str("route", prefix.String()).Msg("failed to add route")
			report.SkippedRoutes = append(report.SkippedRoutes, prefix.String())
			continue
		}
		report.Routes = append(report.Routes, prefix)
	}

	servers, fallback := DNSServers(req.EngineConfig)
	report.DNSFallback = fallback
	for _, s := range servers {
		addr, err := netip.ParseAddr(s)
		if err == nil {
			err = b.AddDNSServer(addr)
		}
		if err != nil {
			log.Debug().Err(err).Str("server", s).Msg("skipping dns server")
			report.SkippedDNS = append(report.SkippedDNS, s)
			continue
		}
		report.DNS = append(report.DNS, addr)
	}

	for _, app := range req.BlockedApps {
		if err := b.AddDisallowedApplication(app); err != nil {
			log.Debug().Err(err).Str("app", app).Msg("skipping disallowed application")
			report.SkippedApps = append(report.SkippedApps, app)
		}
	}

	h, err := b.Establish()
	if err != nil {
		return nil, report, fmt.Errorf("establish interface: %w", err)
	}
	if h == nil {
		return nil, report, errors.New("establish interface: no handle")
	}

	log.Info().
		Str("name", h.Name()).
		Str("address", m.address.String()).
		Int("routes", len(report.Routes)).
		Int("dns", len(report.DNS)).
		Msg("tun interface established")

	return &onceHandle{Handle: h}, report, nil
}

// routesFor returns the default route when no bypass subnets are given,
// otherwise one route per well-formed "address/prefix" entry.
func routesFor(subnets []string, report *Report) []netip.Prefix {
	if len(subnets) == 0 {
		return []netip.Prefix{DefaultRoute}
	}
	var routes []netip.Prefix
	for _, s := range subnets {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			log.Warn().Str("subnet", s).Msg("ignoring malformed subnet")
			report.SkippedRoutes = append(report.SkippedRoutes, s)
			continue
		}
		routes = append(routes, prefix)
	}
	return routes
}

// onceHandle makes Close idempotent.
type onceHandle struct {
	Handle
	once sync.Once
	err  error
}

func (h *onceHandle) Close() error {
	h.once.Do(func() {
		h.err = h.Handle.Close()
	})
	return h.err
}
