package svc

import (
	"fmt"
	"os"
	"slices"

	"github.com/kardianos/service"
)

// Unit naming and paths.
const (
	DefaultName        = "tunvisor"
	DefaultDisplayName = "Tunvisor"
	DefaultDescription = "Tunvisor proxy and VPN session supervisor"
	DefaultConfigPath  = "/etc/tunvisor/tunvisor.yaml"
)

// RunFlag marks an invocation made by the service manager.
const RunFlag = "--service-run"

// Unit describes how the daemon is registered with the service manager.
type Unit struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	User        string // empty runs as root, which TUN setup needs unless CAP_NET_ADMIN is granted
}

// DefaultUnit returns the stock registration.
func DefaultUnit() Unit {
	return Unit{
		Name:        DefaultName,
		DisplayName: DefaultDisplayName,
		Description: DefaultDescription,
		ConfigPath:  DefaultConfigPath,
	}
}

// Config builds the service manager definition that re-executes exe in
// daemon mode.
func (u Unit) Config(exe string) *service.Config {
	c := &service.Config{
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Description: u.Description,
		Executable:  exe,
		Arguments:   []string{RunFlag, "run", "--config", u.ConfigPath},
		UserName:    u.User,
		Dependencies: []string{
			"After=network-online.target",
			"Wants=network-online.target",
		},
		Option: service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
		},
	}
	return c
}

func (u Unit) newService(prg *Program) (service.Service, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	s, err := service.New(prg, u.Config(exe))
	if err != nil {
		return nil, fmt.Errorf("create service %q: %w", u.Name, err)
	}
	return s, nil
}

// ConfigPathFromArgs returns the --config (or -c) value in args, or
// DefaultConfigPath.
func ConfigPathFromArgs(args []string) string {
	path := DefaultConfigPath
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			path = args[i+1]
		}
	}
	return path
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, RunFlag)
}

// RequireRoot fails unless running as root.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
