// Package engine owns the lifecycle of the in-process tunneling core. The core
// is a process-wide resource: exactly one Controller is built by the
// composition root and shared by every session.
package engine

import (
	"context"
	"errors"
)

// Traffic statistic categories and directions sampled by telemetry.
const (
	TagBlock = "block"
	TagProxy = "proxy"

	Uplink   = "uplink"
	Downlink = "downlink"
)

var (
	// ErrNotInitialized is returned by Start before Initialize succeeded.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrNotRunning is returned by operations that need a live core.
	ErrNotRunning = errors.New("engine not running")
)

// Callbacks is implemented by the owner of the session and invoked by the core
// from its own goroutines.
type Callbacks interface {
	// OnStartupRequested fires once the core loop is up.
	OnStartupRequested() error
	// OnShutdownRequested fires when the core wants the session torn down,
	// whether or not the owner initiated it.
	OnShutdownRequested() error
	// OnProtectSocket excludes an outbound socket from the tunnel routes.
	OnProtectSocket(fd int) bool
}

// Env holds the one-time environment for the core.
type Env struct {
	AssetPath   string
	XUDPBaseKey string
	AppLabel    string
	Icon        string
}

// Core is the native engine capability.
type Core interface {
	InitEnv(env Env) error
	SetProtector(protect func(fd int) bool)
	Start(doc []byte, cb Callbacks) error
	Stop() error
	IsRunning() bool
	// QueryStats returns the counter delta since the previous query.
	QueryStats(tag, direction string) int64
	MeasureDelay(ctx context.Context, url string) (int64, error)
	MeasureOutboundDelay(ctx context.Context, doc []byte, url string) (int64, error)
	Version() string
}
