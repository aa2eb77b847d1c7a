package svc

import (
	"errors"
	"fmt"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// State of an installed unit.
type State int

const (
	StateUnknown State = iota
	StateNotInstalled
	StateStopped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateNotInstalled:
		return "not installed"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Action is a lifecycle command for an installed unit.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// host is the part of service.Service the manager drives.
type host interface {
	Start() error
	Stop() error
	Restart() error
	Install() error
	Uninstall() error
	Status() (service.Status, error)
}

// Manager installs and controls a Unit.
type Manager struct {
	unit Unit
	host host
}

// NewManager binds u to the platform service manager.
func NewManager(u Unit) (*Manager, error) {
	s, err := u.newService(&Program{ConfigPath: u.ConfigPath})
	if err != nil {
		return nil, err
	}
	return &Manager{unit: u, host: s}, nil
}

// Unit returns the managed unit.
func (m *Manager) Unit() Unit {
	return m.unit
}

// State queries the service manager.
func (m *Manager) State() (State, error) {
	st, err := m.host.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return StateNotInstalled, nil
	}
	if err != nil {
		return StateUnknown, err
	}
	switch st {
	case service.StatusRunning:
		return StateRunning, nil
	case service.StatusStopped:
		return StateStopped, nil
	default:
		return StateUnknown, nil
	}
}

// Install registers the unit. An existing registration is replaced only when
// force is set; a running one is stopped first.
func (m *Manager) Install(force bool) error {
	state, err := m.State()
	if err != nil {
		log.Debug().Err(err).Msg("service state unavailable before install")
	}

	switch state {
	case StateRunning, StateStopped:
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", m.unit.Name, state)
		}
		if state == StateRunning {
			if err := m.host.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := m.host.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to remove previous service")
		}
	}

	if err := m.host.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the unit if needed and removes it.
func (m *Manager) Uninstall() error {
	if state, _ := m.State(); state == StateRunning {
		if err := m.host.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := m.host.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Do runs a lifecycle action.
func (m *Manager) Do(a Action) error {
	var err error
	switch a {
	case ActionStart:
		err = m.host.Start()
	case ActionStop:
		err = m.host.Stop()
	case ActionRestart:
		err = m.host.Restart()
	default:
		return fmt.Errorf("unknown service action %q", a)
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", a, err)
	}
	return nil
}
