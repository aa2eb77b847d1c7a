package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Controller wraps a Core with initialization tracking and logging.
type Controller struct {
	core Core

	mu          sync.RWMutex
	initialized bool
	env         Env
	callbacks   Callbacks
}

// NewController creates a controller around the given core.
func NewController(core Core) *Controller {
	return &Controller{core: core}
}

// Initialize prepares the core environment and registers the callbacks.
// It may be called again to replace them.
func (c *Controller) Initialize(env Env, cb Callbacks) error {
	if cb == nil {
		return fmt.Errorf("initialize engine: nil callbacks")
	}
	if err := c.core.InitEnv(env); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	c.core.SetProtector(cb.OnProtectSocket)

	c.mu.Lock()
	c.initialized = true
	c.env = env
	c.callbacks = cb
	c.mu.Unlock()

	log.Info().
		Str("assets", env.AssetPath).
		Str("version", c.core.Version()).
		Msg("engine initialized")
	return nil
}

// Initialized reports whether Initialize succeeded.
func (c *Controller) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Env returns the environment passed to Initialize.
func (c *Controller) Env() Env {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.env
}

// Start runs the core with the given configuration document.
func (c *Controller) Start(doc []byte) error {
	c.mu.RLock()
	initialized, cb := c.initialized, c.callbacks
	c.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}
	if err := c.core.Start(doc, cb); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	log.Info().Msg("engine started")
	return nil
}

// Stop stops the core. Stopping an idle core is logged and ignored.
func (c *Controller) Stop() error {
	if !c.core.IsRunning() {
		log.Debug().Msg("engine stop requested but not running")
		return nil
	}
	if err := c.core.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	log.Info().Msg("engine stopped")
	return nil
}

// IsRunning reports whether the core loop is active.
func (c *Controller) IsRunning() bool {
	return c.core.IsRunning()
}

// QueryStat returns the traffic delta for tag and direction since the last
// query. It returns zero when the core is not running.
func (c *Controller) QueryStat(tag, direction string) int64 {
	if !c.core.IsRunning() {
		return 0
	}
	return c.core.QueryStats(tag, direction)
}

// MeasureDelay measures the round trip through the running core.
func (c *Controller) MeasureDelay(ctx context.Context, url string) (int64, error) {
	if !c.core.IsRunning() {
		return -1, ErrNotRunning
	}
	ms, err := c.core.MeasureDelay(ctx, url)
	if err != nil {
		return -1, fmt.Errorf("measure delay: %w", err)
	}
	return ms, nil
}

// MeasureOutboundDelay measures a candidate configuration in a throwaway core.
// Routing rules are stripped from the document first.
func (c *Controller) MeasureOutboundDelay(ctx context.Context, doc []byte, url string) (int64, error) {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if !initialized {
		return -1, ErrNotInitialized
	}

	ms, err := c.core.MeasureOutboundDelay(ctx, ProbeDocument(doc), url)
	if err != nil {
		return -1, fmt.Errorf("measure outbound delay: %w", err)
	}
	return ms, nil
}

// Version returns the core version string.
func (c *Controller) Version() string {
	return c.core.Version()
}

// RequestShutdown delivers a shutdown request through the registered
// callbacks, the same path the core uses when it terminates by itself.
func (c *Controller) RequestShutdown(reason string) error {
	c.mu.RLock()
	cb := c.callbacks
	c.mu.RUnlock()
	if cb == nil {
		return ErrNotInitialized
	}
	log.Warn().Str("reason", reason).Msg("engine shutdown requested")
	return cb.OnShutdownRequested()
}
