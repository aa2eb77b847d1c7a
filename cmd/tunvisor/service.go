package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunvisor/tunvisor/internal/svc"
)

// serviceFlags are shared by the service subcommands.
type serviceFlags struct {
	name   string
	user   string
	force  bool
	follow bool
	lines  int
	since  string
}

func newServiceCmd() *cobra.Command {
	var f serviceFlags

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the tunvisor system service",
		Long: `Register the daemon with systemd and control it.

Examples:
  sudo tunvisor service install --config /etc/tunvisor/tunvisor.yaml
  sudo tunvisor service start
  tunvisor service status
  tunvisor service logs --follow`,
	}
	cmd.PersistentFlags().StringVarP(&f.name, "name", "n", svc.DefaultName, "Service name")

	install := &cobra.Command{
		Use:   "install",
		Short: "Register tunvisor as a system service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.install()
		},
	}
	install.Flags().StringVar(&f.user, "user", "", "Run the daemon as this user (needs CAP_NET_ADMIN)")
	install.Flags().BoolVarP(&f.force, "force", "f", false, "Replace an existing registration")
	cmd.AddCommand(install)

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the tunvisor system service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := f.manager(true)
			if err != nil {
				return err
			}
			if err := m.Uninstall(); err != nil {
				return err
			}
			fmt.Printf("Service %q removed.\n", f.name)
			return nil
		},
	})

	for _, a := range []struct {
		action svc.Action
		short  string
		done   string
	}{
		{svc.ActionStart, "Start the tunvisor service", "started"},
		{svc.ActionStop, "Stop the tunvisor service", "stopped"},
		{svc.ActionRestart, "Restart the tunvisor service", "restarted"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   string(a.action),
			Short: a.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := f.manager(true)
				if err != nil {
					return err
				}
				if err := m.Do(a.action); err != nil {
					return err
				}
				fmt.Printf("Service %q %s.\n", f.name, a.done)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the service is installed and running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := f.manager(false)
			if err != nil {
				return err
			}
			state, err := m.State()
			fmt.Fprintf(cmd.OutOrStdout(), "Service: %s\nState:   %s\n", f.name, state)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Error:   %v\n", err)
			}
			return nil
		},
	})

	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show the service journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ShowJournal(cmd.Context(), svc.JournalQuery{
				Unit:   f.name,
				Lines:  f.lines,
				Follow: f.follow,
				Since:  f.since,
			})
		},
	}
	logs.Flags().BoolVarP(&f.follow, "follow", "f", false, "Keep printing new entries")
	logs.Flags().IntVar(&f.lines, "lines", 50, "Number of entries to show")
	logs.Flags().StringVar(&f.since, "since", "", "Only show entries newer than this (journalctl syntax)")
	cmd.AddCommand(logs)

	return cmd
}

func (f *serviceFlags) unit() svc.Unit {
	u := svc.DefaultUnit()
	u.Name = f.name
	if cfgFile != "" {
		u.ConfigPath = cfgFile
	}
	u.User = f.user
	return u
}

func (f *serviceFlags) manager(needRoot bool) (*svc.Manager, error) {
	setupLogging()
	if needRoot {
		if err := svc.RequireRoot(); err != nil {
			return nil, err
		}
	}
	return svc.NewManager(f.unit())
}

func (f *serviceFlags) install() error {
	m, err := f.manager(true)
	if err != nil {
		return err
	}
	u := m.Unit()
	if _, err := os.Stat(u.ConfigPath); err != nil {
		return fmt.Errorf("config file %s: %w", u.ConfigPath, err)
	}

	log.Info().Str("name", u.Name).Str("config", u.ConfigPath).Msg("installing service")
	if err := m.Install(f.force); err != nil {
		return err
	}

	fmt.Printf("Service %q installed.\nStart it with: sudo tunvisor service start --name %s\n", u.Name, u.Name)
	return nil
}
