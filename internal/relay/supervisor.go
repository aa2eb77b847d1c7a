package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var errStopped = errors.New("relay supervisor stopped")

// Hooks report supervisor events. All fields are optional and are called from
// supervisor goroutines.
type Hooks struct {
	// OnLaunch is called after every successful launch.
	OnLaunch func(pid int, respawn bool)
	// OnHandoff is called with the result of the handoff for each launch.
	OnHandoff func(err error)
	// OnFailure is called when a respawn fails and the supervisor gives up.
	OnFailure func(err error)
}

// ChainHooks returns hooks that call each of hs in order.
func ChainHooks(hs ...Hooks) Hooks {
	return Hooks{
		OnLaunch: func(pid int, respawn bool) {
			for _, h := range hs {
				if h.OnLaunch != nil {
					h.OnLaunch(pid, respawn)
				}
			}
		},
		OnHandoff: func(err error) {
			for _, h := range hs {
				if h.OnHandoff != nil {
					h.OnHandoff(err)
				}
			}
		},
		OnFailure: func(err error) {
			for _, h := range hs {
				if h.OnFailure != nil {
					h.OnFailure(err)
				}
			}
		},
	}
}

// Supervisor keeps one relay running for the lifetime of a session.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	sender   Sender
	hooks    Hooks

	active atomic.Bool

	mu       sync.Mutex
	proc     Process
	cancel   context.CancelFunc
	launches int
	wg       sync.WaitGroup
}

// NewSupervisor creates an idle supervisor. A nil sender skips the handoff.
func NewSupervisor(cfg Config, launcher Launcher, sender Sender, hooks Hooks) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Supervisor{
		cfg:      cfg.WithDefaults(),
		launcher: launcher,
		sender:   sender,
		hooks:    hooks,
	}
}

// Start launches the relay and its watchdog, then hands fd over. The handoff
// runs in the background and its result is reported through Hooks.OnHandoff.
func (s *Supervisor) Start(ctx context.Context, fd int) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("relay supervisor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.active.Store(true)
	proc, err := s.launch(ctx, fd, false)
	if err != nil {
		s.active.Store(false)
		cancel()
		return err
	}

	s.wg.Add(1)
	go s.watch(ctx, fd, proc)
	return nil
}

// Stop clears the active flag, kills the relay and waits for the watchdog and
// any handoff in flight. It is safe to call more than once.
func (s *Supervisor) Stop() error {
	s.active.Store(false)

	s.mu.Lock()
	cancel, proc := s.cancel, s.proc
	s.proc = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if proc != nil {
		if kerr := proc.Kill(); kerr != nil {
			err = fmt.Errorf("kill relay: %w", kerr)
		}
	}
	s.wg.Wait()
	return err
}

// wanted reports whether the supervisor still wants a relay running.
func (s *Supervisor) wanted() bool {
	return s.active.Load()
}

// Launches returns the number of successful launches, respawns included.
func (s *Supervisor) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Pid returns the pid of the current relay, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

func (s *Supervisor) launch(ctx context.Context, fd int, respawn bool) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Checked under mu so Stop either sees this process or prevents it.
	if !s.active.Load() {
		return nil, errStopped
	}
	proc, err := s.launcher.Launch(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("launch relay: %w", err)
	}
	s.proc = proc
	s.launches++

	if s.hooks.OnLaunch != nil {
		s.hooks.OnLaunch(proc.Pid(), respawn)
	}
	if s.sender != nil {
		s.wg.Add(1)
		go s.handoff(ctx, fd)
	}
	return proc, nil
}

func (s *Supervisor) handoff(ctx context.Context, fd int) {
	defer s.wg.Done()

	err := s.sender.Send(ctx, fd)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("relay did not receive tun fd, traffic will not flow")
	}
	if s.hooks.OnHandoff != nil {
		s.hooks.OnHandoff(err)
	}
}

// watch waits for the relay to exit and relaunches it while active.
func (s *Supervisor) watch(ctx context.Context, fd int, proc Process) {
	defer s.wg.Done()

	for {
		err := proc.Wait()
		if !s.active.Load() {
			log.Debug().Int("pid", proc.Pid()).Msg("relay exited after stop")
			return
		}
		log.Warn().Err(err).Int("pid", proc.Pid()).Msg("relay exited, respawning")

		if err := sleepContext(ctx, s.cfg.RespawnDelay); err != nil {
			return
		}

		next, err := s.launch(ctx, fd, true)
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("relay respawn failed")
			s.active.Store(false)
			if s.hooks.OnFailure != nil {
				s.hooks.OnFailure(err)
			}
			return
		}
		proc = next
	}
}
