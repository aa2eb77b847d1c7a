package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

// Process is one running relay instance. A new Process is created for every
// launch.
type Process interface {
	Pid() int
	Wait() error
	Kill() error
}

// Launcher starts relay processes.
type Launcher interface {
	Launch(ctx context.Context, cfg Config) (Process, error)
}

// ExecLauncher runs the relay binary with os/exec.
type ExecLauncher struct{}

// Launch starts cfg.Binary in cfg.WorkDir. Combined stdout and stderr are
// written to the log.
func (ExecLauncher) Launch(_ context.Context, cfg Config) (Process, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0700); err != nil {
		return nil, fmt.Errorf("create relay workdir: %w", err)
	}
	if err := os.Remove(cfg.SocketPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug().Err(err).Msg("failed to remove stale relay socket")
	}

	out := &lineLogger{}
	cmd := exec.Command(cfg.Binary, cfg.Args()...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}
	log.Info().
		Int("pid", cmd.Process.Pid).
		Str("binary", cfg.Binary).
		Strs("args", cmd.Args[1:]).
		Msg("relay launched")

	return &execProcess{cmd: cmd, out: out}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	out *lineLogger
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.out.Flush()
	return err
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// lineLogger turns relay output into one log event per line.
type lineLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		idx := bytes.IndexByte(l.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(l.buf.Next(idx+1), "\r\n")
		if len(line) > 0 {
			log.Info().Str("component", "relay").Msg(string(line))
		}
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		log.Info().Str("component", "relay").Msg(l.buf.String())
		l.buf.Reset()
	}
}
