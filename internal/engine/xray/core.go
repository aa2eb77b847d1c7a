// Package xray implements engine.Core on top of xray-core running in process.
package xray

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"
	xlog "github.com/xtls/xray-core/common/log"
	xnet "github.com/xtls/xray-core/common/net"
	"github.com/xtls/xray-core/common/xudp"
	xcore "github.com/xtls/xray-core/core"
	"github.com/xtls/xray-core/features/stats"
	"github.com/xtls/xray-core/infra/conf/serial"
	"github.com/xtls/xray-core/transport/internet"

	// Register every protocol, transport and the JSON loader.
	_ "github.com/xtls/xray-core/main/distro/all"

	"github.com/tunvisor/tunvisor/internal/engine"
)

const probeTimeout = 12 * time.Second

var (
	registerOnce sync.Once
	protector    atomic.Pointer[func(fd int) bool]
)

// logBridge forwards xray-core log messages to zerolog.
type logBridge struct{}

func (logBridge) Handle(msg xlog.Message) {
	log.Debug().Str("component", "xray").Msg(msg.String())
}

// bridgeLogs points xray-core logging at zerolog. Every new instance installs
// its own app/log handler, so this runs again after each one starts or closes.
func bridgeLogs() {
	xlog.RegisterHandler(logBridge{})
}

// Core runs a single xray-core instance.
type Core struct {
	mu       sync.Mutex
	instance *xcore.Instance
	stats    stats.Manager
	running  atomic.Bool
}

// New creates an idle core.
func New() *Core {
	return &Core{}
}

// InitEnv exports the asset location through the environment variables
// xray-core reads at load time and installs the XUDP base key.
func (c *Core) InitEnv(env engine.Env) error {
	if env.AssetPath != "" {
		abs, err := filepath.Abs(env.AssetPath)
		if err != nil {
			return fmt.Errorf("asset path: %w", err)
		}
		if err := os.Setenv("xray.location.asset", abs); err != nil {
			return err
		}
		if err := os.Setenv("xray.location.cert", abs); err != nil {
			return err
		}
	}
	if env.XUDPBaseKey != "" {
		key, err := base64.RawURLEncoding.DecodeString(env.XUDPBaseKey)
		if err != nil || len(key) != 32 {
			return errors.New("xudp base key must be 32 bytes, base64url without padding")
		}
		xudp.BaseKey = key
	}
	registerOnce.Do(func() {
		bridgeLogs()
		if err := internet.RegisterDialerController(protectControl); err != nil {
			log.Warn().Err(err).Msg("failed to register dialer controller")
		}
		if err := internet.RegisterListenerController(protectControl); err != nil {
			log.Warn().Err(err).Msg("failed to register listener controller")
		}
	})
	return nil
}

// SetProtector installs the callback applied to every socket the engine dials
// or listens on.
func (c *Core) SetProtector(protect func(fd int) bool) {
	if protect == nil {
		protector.Store(nil)
		return
	}
	protector.Store(&protect)
}

func protectControl(network, address string, conn syscall.RawConn) error {
	var perr error
	if err := conn.Control(func(fd uintptr) {
		perr = protectFD(network, address, fd)
	}); err != nil {
		return err
	}
	return perr
}

func protectFD(network, address string, fd uintptr) error {
	p := protector.Load()
	if p == nil {
		return nil
	}
	if !(*p)(int(fd)) {
		return fmt.Errorf("protect socket %d for %s %s failed", fd, network, address)
	}
	return nil
}

// Start loads doc and starts a new instance, then reports startup through cb.
func (c *Core) Start(doc []byte, cb engine.Callbacks) error {
	c.mu.Lock()
	if c.instance != nil {
		c.mu.Unlock()
		return errors.New("already running")
	}

	inst, err := newInstance(doc)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := inst.Start(); err != nil {
		_ = inst.Close()
		bridgeLogs()
		c.mu.Unlock()
		return fmt.Errorf("start instance: %w", err)
	}
	bridgeLogs()

	c.instance = inst
	c.stats = nil
	if m, ok := inst.GetFeature(stats.ManagerType()).(stats.Manager); ok {
		c.stats = m
	}
	c.running.Store(true)
	c.mu.Unlock()

	if cb != nil {
		if err := cb.OnStartupRequested(); err != nil {
			log.Warn().Err(err).Msg("startup callback failed")
		}
	}
	return nil
}

func newInstance(doc []byte) (*xcore.Instance, error) {
	cfg, err := serial.LoadJSONConfig(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	inst, err := xcore.New(cfg)
	bridgeLogs()
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return inst, nil
}

// Stop closes the running instance.
func (c *Core) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running.Store(false)
	if c.instance == nil {
		return nil
	}
	err := c.instance.Close()
	bridgeLogs()
	c.instance = nil
	c.stats = nil
	if err != nil {
		return fmt.Errorf("close instance: %w", err)
	}
	return nil
}

// IsRunning reports whether an instance is live.
func (c *Core) IsRunning() bool {
	return c.running.Load()
}

// QueryStats reads and resets the outbound traffic counter for tag.
func (c *Core) QueryStats(tag, direction string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats == nil {
		return 0
	}
	counter := c.stats.GetCounter(fmt.Sprintf("outbound>>>%s>>>traffic>>>%s", tag, direction))
	if counter == nil {
		return 0
	}
	return counter.Set(0)
}

// MeasureDelay issues an HTTP GET through the running instance.
func (c *Core) MeasureDelay(ctx context.Context, url string) (int64, error) {
	c.mu.Lock()
	inst := c.instance
	c.mu.Unlock()
	if inst == nil {
		return -1, engine.ErrNotRunning
	}
	return measure(ctx, inst, url)
}

// MeasureOutboundDelay starts a temporary instance from doc, with inbounds
// removed so it never binds local ports, and measures through it.
func (c *Core) MeasureOutboundDelay(ctx context.Context, doc []byte, url string) (int64, error) {
	if trimmed, err := sjson.DeleteBytes(doc, "inbounds"); err == nil {
		doc = trimmed
	}
	inst, err := newInstance(doc)
	if err != nil {
		return -1, err
	}
	if err := inst.Start(); err != nil {
		_ = inst.Close()
		bridgeLogs()
		return -1, fmt.Errorf("start probe instance: %w", err)
	}
	bridgeLogs()
	defer func() {
		if err := inst.Close(); err != nil {
			log.Debug().Err(err).Msg("close probe instance")
		}
		bridgeLogs()
	}()
	return measure(ctx, inst, url)
}

// Version returns the xray-core version.
func (c *Core) Version() string {
	return xcore.Version()
}

func measure(ctx context.Context, inst *xcore.Instance, url string) (int64, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout: 6 * time.Second,
		DisableKeepAlives:   true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dest, err := xnet.ParseDestination(fmt.Sprintf("%s:%s", network, addr))
			if err != nil {
				return nil, err
			}
			return xcore.Dial(ctx, inst, dest)
		},
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: probeTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return -1, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return -1, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return -1, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return time.Since(start).Milliseconds(), nil
}
