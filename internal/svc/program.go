// Package svc registers the tunvisor daemon with the host service manager
// and runs it under that manager.
package svc

import (
	"context"
	"errors"
	"sync"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	result chan error
}

// Start launches Run in the background. The service manager requires it to
// return promptly.
func (p *Program) Start(service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.result != nil {
		return errors.New("daemon already started")
	}
	if p.Run == nil {
		return errors.New("run function not configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.result = make(chan error, 1)

	go func(result chan<- error) {
		err := p.Run(ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("config", p.ConfigPath).Msg("daemon exited")
		}
		result <- err
	}(p.result)
	return nil
}

// Stop cancels the daemon and waits for Run to return. A cancellation error
// from Run is not reported.
func (p *Program) Stop(service.Service) error {
	p.mu.Lock()
	cancel, result := p.cancel, p.result
	p.cancel, p.result = nil, nil
	p.mu.Unlock()

	if result == nil {
		return nil
	}
	cancel()
	if err := <-result; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Run hands control to the service manager until it stops the program.
func Run(prg *Program, u Unit) error {
	s, err := u.newService(prg)
	if err != nil {
		return err
	}
	return s.Run()
}
