// Package enginetest provides an in-memory engine core for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/tunvisor/tunvisor/internal/engine"
)

// Core is a scriptable engine.Core.
type Core struct {
	mu sync.Mutex

	InitErr  error
	StartErr error
	StopErr  error
	// StayDown makes Start succeed without the core reporting running.
	StayDown bool
	Delay    int64
	DelayErr error

	running   bool
	env       engine.Env
	protect   func(fd int) bool
	callbacks engine.Callbacks
	stats     map[string]int64

	Starts      int
	Stops       int
	LastDoc     []byte
	LastProbe   []byte
	VersionText string
}

// NewCore returns a fake core reporting version "fake".
func NewCore() *Core {
	return &Core{stats: make(map[string]int64), VersionText: "fake"}
}

func (c *Core) InitEnv(env engine.Env) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InitErr != nil {
		return c.InitErr
	}
	c.env = env
	return nil
}

func (c *Core) SetProtector(protect func(fd int) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protect = protect
}

func (c *Core) Start(doc []byte, cb engine.Callbacks) error {
	c.mu.Lock()
	c.Starts++
	c.LastDoc = append([]byte(nil), doc...)
	if c.StartErr != nil {
		err := c.StartErr
		c.mu.Unlock()
		return err
	}
	if !c.StayDown {
		c.running = true
	}
	c.callbacks = cb
	c.mu.Unlock()

	if cb != nil {
		return cb.OnStartupRequested()
	}
	return nil
}

func (c *Core) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Stops++
	c.running = false
	return c.StopErr
}

func (c *Core) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Die simulates the core terminating by itself and invoking the shutdown
// callback from its own goroutine.
func (c *Core) Die() error {
	c.mu.Lock()
	c.running = false
	cb := c.callbacks
	c.mu.Unlock()
	if cb == nil {
		return errors.New("no callbacks")
	}
	return cb.OnShutdownRequested()
}

// AddTraffic queues bytes to be returned by the next QueryStats for tag/dir.
func (c *Core) AddTraffic(tag, direction string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[tag+">>>"+direction] += n
}

func (c *Core) QueryStats(tag, direction string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := tag + ">>>" + direction
	v := c.stats[key]
	c.stats[key] = 0
	return v
}

func (c *Core) MeasureDelay(ctx context.Context, url string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Delay, c.DelayErr
}

func (c *Core) MeasureOutboundDelay(ctx context.Context, doc []byte, url string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastProbe = append([]byte(nil), doc...)
	return c.Delay, c.DelayErr
}

func (c *Core) Version() string {
	return c.VersionText
}

// Protect invokes the registered protector.
func (c *Core) Protect(fd int) bool {
	c.mu.Lock()
	p := c.protect
	c.mu.Unlock()
	return p != nil && p(fd)
}

// Env returns the environment passed to InitEnv.
func (c *Core) Env() engine.Env {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env
}

// StartCount returns the number of Start calls.
func (c *Core) StartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Starts
}

// StopCount returns the number of Stop calls.
func (c *Core) StopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Stops
}

// Probed returns the document passed to the last MeasureOutboundDelay.
func (c *Core) Probed() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.LastProbe...)
}
