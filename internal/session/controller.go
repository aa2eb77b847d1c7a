package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunvisor/tunvisor/internal/engine"
	"github.com/tunvisor/tunvisor/internal/netmon"
	"github.com/tunvisor/tunvisor/internal/relay"
	"github.com/tunvisor/tunvisor/internal/status"
	"github.com/tunvisor/tunvisor/internal/telemetry"
	"github.com/tunvisor/tunvisor/internal/tun"
)

// Options configures a Controller. Engine is required; everything else has a
// usable default except Tunnels, without which VPN mode is refused.
type Options struct {
	Engine  *engine.Controller
	Tunnels *tun.Manager

	// Relay carries binary, working directory and respawn delay. The socks
	// port is filled in per session.
	Relay     relay.Config
	Launcher  relay.Launcher
	NewSender func(socketPath string) relay.Sender
	// RelayHooks are called in addition to the controller's own handling.
	RelayHooks relay.Hooks

	Sink      telemetry.Sink
	Telemetry telemetry.Config
	Indicator Indicator
	Observers []Observer

	// Monitor, when set, is used to notice the TUN interface disappearing.
	Monitor func() (netmon.Monitor, error)
	// Protect marks engine sockets so they bypass the tunnel.
	Protect func(fd int) bool

	DelayURL string
	// XUDPBaseKey seeds XUDP global IDs; see engine.Env.
	XUDPBaseKey string
}

// Controller runs at most one session at a time against the shared engine.
type Controller struct {
	opts Options
	eng  *engine.Controller

	// opMu serializes Start and Stop; mu guards the fields below.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   status.State
	current *activeSession
	cached  *Config

	bg sync.WaitGroup
}

type activeSession struct {
	id  string
	cfg Config

	// active is set last on start and cleared first on stop.
	active   atomic.Bool
	stopping atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	timer    *telemetry.Timer
	tunnel   tun.Handle
	report   tun.Report
	relay    *relay.Supervisor
	watchers sync.WaitGroup
	shown    bool

	connectedAt time.Time
	handoffErr  error
}

// NewController creates a controller. It registers itself as the engine's
// callback target on Initialize.
func NewController(opts Options) *Controller {
	if opts.Sink == nil {
		opts.Sink = telemetry.Discard
	}
	if opts.Indicator == nil {
		opts.Indicator = LogIndicator{}
	}
	if opts.NewSender == nil {
		opts.NewSender = func(path string) relay.Sender { return relay.NewHandoff(path) }
	}
	if opts.Protect == nil {
		opts.Protect = tun.Protect
	}
	return &Controller{opts: opts, eng: opts.Engine}
}

// Initialize prepares the engine with the given asset path and presentation
// details, registering the controller for engine callbacks.
func (c *Controller) Initialize(assetPath, appLabel, icon string) error {
	return c.eng.Initialize(engine.Env{
		AssetPath:   assetPath,
		XUDPBaseKey: c.opts.XUDPBaseKey,
		AppLabel:    appLabel,
		Icon:        icon,
	}, c)
}

// State returns the current connection state.
func (c *Controller) State() status.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsRunning reports whether the session is connected and the engine agrees.
func (c *Controller) IsRunning() bool {
	return c.State() == status.Connected && c.eng.IsRunning()
}

// ActiveConfig returns the config of the connected session, if any.
func (c *Controller) ActiveConfig() (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil {
		return Config{}, false
	}
	return *c.cached, true
}

// Start connects a new session, stopping any existing one first.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !c.eng.Initialized() {
		return engine.ErrNotInitialized
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	prev := c.current
	c.mu.RUnlock()
	if prev != nil {
		log.Info().Str("session", prev.id).Msg("stopping previous session")
		if err := c.teardown(prev); err != nil {
			log.Warn().Err(err).Str("session", prev.id).Msg("previous session teardown incomplete")
		}
	}

	var socksPort int
	if cfg.Mode == ModeVPNTun {
		if c.opts.Tunnels == nil {
			return errors.New("vpn mode not available")
		}
		port, err := cfg.ResolveSocksPort()
		if err != nil {
			return err
		}
		socksPort = port
	}

	s := c.newSession(ctx, cfg)
	c.mu.Lock()
	t, err := c.transitionLocked(status.Connecting, s.id, nil)
	if err == nil {
		c.current = s
	}
	c.mu.Unlock()
	if err != nil {
		s.cancel()
		return err
	}
	c.notify(t)

	log.Info().
		Str("session", s.id).
		Str("remark", cfg.Remark).
		Str("mode", string(cfg.Mode)).
		Msg("starting session")

	s.timer.Start(s.ctx)

	if err := c.eng.Start(cfg.EngineConfig); err != nil {
		return c.abort(s, err)
	}

	if cfg.Mode == ModeVPNTun {
		if err := c.startTunnel(s, socksPort); err != nil {
			return c.abort(s, err)
		}
	}

	if !c.eng.IsRunning() {
		return c.abort(s, errors.New("engine not running after start"))
	}

	c.mu.Lock()
	s.connectedAt = time.Now()
	cached := cfg
	c.cached = &cached
	t, err = c.transitionLocked(status.Connected, s.id, nil)
	c.mu.Unlock()
	if err != nil {
		return c.abort(s, err)
	}
	c.notify(t)

	if err := c.opts.Indicator.Show(Notification{
		Label:  cfg.NotificationLabel,
		Remark: cfg.Remark,
		Icon:   cfg.Icon,
		Mode:   cfg.Mode,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to show indicator")
	} else {
		s.shown = true
	}

	s.active.Store(true)
	log.Info().Str("session", s.id).Msg("session connected")
	return nil
}

// StartAsync runs Start in the background and reports its result.
func (c *Controller) StartAsync(cfg Config) <-chan error {
	result := make(chan error, 1)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		result <- c.Start(context.Background(), cfg)
	}()
	return result
}

// Stop tears down the current session. Stopping with no session is a no-op.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	return c.teardown(s)
}

// Revoke forces the session down through the engine's shutdown path.
func (c *Controller) Revoke(reason string) error {
	return c.eng.RequestShutdown(reason)
}

// Close stops the session and waits for background work.
func (c *Controller) Close() error {
	err := c.Stop()
	c.bg.Wait()
	return err
}

func (c *Controller) newSession(parent context.Context, cfg Config) *activeSession {
	// The session outlives the request that started it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	s := &activeSession{
		id:     uuid.NewString(),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	tcfg := c.opts.Telemetry
	tcfg.TrafficStats = cfg.TrafficStats
	tcfg.State = c.State
	tcfg.Continue = func() bool {
		return !s.stopping.Load() && c.eng.IsRunning()
	}
	s.timer = telemetry.NewTimer(c.eng, c.opts.Sink, tcfg)
	return s
}

// startTunnel establishes the interface, then launches the relay which hands
// the descriptor over after every launch.
func (c *Controller) startTunnel(s *activeSession, socksPort int) error {
	h, report, err := c.opts.Tunnels.Establish(tun.Request{
		Session:       s.cfg.Remark,
		EngineConfig:  s.cfg.EngineConfig,
		BypassSubnets: s.cfg.BypassSubnets,
		BlockedApps:   s.cfg.BlockedApps,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	s.tunnel = h
	s.report = report
	c.mu.Unlock()

	if c.opts.Monitor != nil {
		c.watchRemoval(s, h.Name())
	}

	rcfg := c.opts.Relay
	rcfg.SocksPort = socksPort
	if err := rcfg.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	sup := relay.NewSupervisor(rcfg, c.opts.Launcher, c.opts.NewSender(rcfg.SocketPath()), c.relayHooks(s))
	c.mu.Lock()
	s.relay = sup
	c.mu.Unlock()
	return sup.Start(s.ctx, h.FD())
}

func (c *Controller) relayHooks(s *activeSession) relay.Hooks {
	extra := c.opts.RelayHooks
	return relay.Hooks{
		OnLaunch: func(pid int, respawn bool) {
			if extra.OnLaunch != nil {
				extra.OnLaunch(pid, respawn)
			}
		},
		OnHandoff: func(err error) {
			c.mu.Lock()
			s.handoffErr = err
			c.mu.Unlock()
			if extra.OnHandoff != nil {
				extra.OnHandoff(err)
			}
		},
		OnFailure: func(err error) {
			if extra.OnFailure != nil {
				extra.OnFailure(err)
			}
			log.Error().Err(err).Str("session", s.id).Msg("relay failed, stopping session")
			c.stopAsync(s, "relay failure")
		},
	}
}

func (c *Controller) watchRemoval(s *activeSession, name string) {
	m, err := c.opts.Monitor()
	if err != nil {
		log.Warn().Err(err).Msg("link monitor unavailable")
		return
	}
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer m.Close()
		err := netmon.WatchRemoval(s.ctx, m, name, func(ev netmon.Event) {
			log.Warn().Str("interface", ev.Interface).Msg("tunnel interface removed")
			if err := c.Revoke("interface removed"); err != nil {
				log.Warn().Err(err).Msg("revoke failed")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("link monitor failed")
		}
	}()
}

// abort unwinds a failed start. The caller holds opMu.
func (c *Controller) abort(s *activeSession, cause error) error {
	log.Error().Err(cause).Str("session", s.id).Msg("session start failed")
	if err := c.teardown(s); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("teardown after failed start incomplete")
	}
	return fmt.Errorf("start session: %w", cause)
}

// teardown releases everything s holds in reverse order of acquisition. Every
// step runs even if an earlier one failed. The caller holds opMu.
func (c *Controller) teardown(s *activeSession) error {
	s.active.Store(false)
	s.stopping.Store(true)
	s.cancel()

	var errs []error

	s.timer.Stop()
	s.watchers.Wait()

	if s.relay != nil {
		if err := s.relay.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tunnel != nil {
		if err := s.tunnel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tunnel: %w", err))
		}
	}
	if c.eng.IsRunning() {
		if err := c.eng.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.shown {
		if err := c.opts.Indicator.Hide(); err != nil {
			errs = append(errs, fmt.Errorf("hide indicator: %w", err))
		}
	}

	err := errors.Join(errs...)

	c.mu.Lock()
	var t *Transition
	if c.current == s {
		c.current = nil
		c.cached = nil
		t, _ = c.transitionLocked(status.Disconnected, s.id, err)
	}
	c.mu.Unlock()

	if t != nil {
		c.notify(t)
		if perr := c.opts.Sink.Publish(context.Background(), status.Zero()); perr != nil {
			log.Debug().Err(perr).Msg("final telemetry publish failed")
		}
		log.Info().Str("session", s.id).Msg("session stopped")
	}
	for _, e := range errs {
		log.Warn().Err(e).Str("session", s.id).Msg("teardown step failed")
	}
	return err
}

// stopAsync tears s down from a goroutine, unless it has already been
// replaced or is being stopped.
func (c *Controller) stopAsync(s *activeSession, reason string) {
	if s.stopping.Load() {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.mu.RLock()
		current := c.current
		c.mu.RUnlock()
		if current != s || s.stopping.Load() {
			return
		}
		log.Info().Str("session", s.id).Str("reason", reason).Msg("stopping session")
		if err := c.teardown(s); err != nil {
			log.Warn().Err(err).Msg("session teardown incomplete")
		}
	}()
}

func (c *Controller) transitionLocked(to status.State, id string, cause error) (*Transition, error) {
	from := c.state
	if from == to {
		return nil, nil
	}
	if !from.CanTransitionTo(to) {
		return nil, status.NewTransitionError(from, to, id, "")
	}
	c.state = to
	return &Transition{
		From:      from,
		To:        to,
		SessionID: id,
		Timestamp: time.Now(),
		Error:     cause,
	}, nil
}

func (c *Controller) notify(t *Transition) {
	if t == nil {
		return
	}
	log.Debug().
		Str("session", t.SessionID).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Msg("state transition")
	for _, o := range c.opts.Observers {
		o.OnTransition(*t)
	}
}

// OnStartupRequested implements engine.Callbacks.
func (c *Controller) OnStartupRequested() error {
	log.Debug().Msg("engine startup reported")
	return nil
}

// OnShutdownRequested implements engine.Callbacks. The teardown runs on its
// own goroutine because the engine may call this from inside Start or Stop.
func (c *Controller) OnShutdownRequested() error {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	c.stopAsync(s, "engine shutdown")
	return nil
}

// OnProtectSocket implements engine.Callbacks.
func (c *Controller) OnProtectSocket(fd int) bool {
	return c.opts.Protect(fd)
}
