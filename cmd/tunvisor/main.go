// tunvisor supervises a proxy engine session and its VPN interface.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunvisor/tunvisor/internal/config"
	"github.com/tunvisor/tunvisor/internal/control"
	"github.com/tunvisor/tunvisor/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	socketPath string

	// Hidden flag set when started by the service manager
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tunvisor",
		Short: "Tunvisor - proxy engine and VPN session supervisor",
		Long: `Tunvisor runs a proxy engine, optionally routes all traffic through a TUN
interface and a packet relay, and reports live traffic statistics.

QUICK START:

  # Run the daemon (needs root for the TUN interface):
  sudo tunvisor run --config /etc/tunvisor/tunvisor.yaml

  # Start a session described by a session file:
  tunvisor start ~/sessions/home.yaml

  # Follow live traffic:
  tunvisor watch

For more help on any command, use: tunvisor <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (default from config)")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newDelayCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServiceCmd())

	return rootCmd
}

// logOut is the local log destination chosen by setupLogging or
// setupServiceLogging. Remote writers are layered on top of it.
var logOut io.Writer = os.Stderr

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logOut = zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(logOut)
}

// setupServiceLogging writes to a log file as well as stderr, since the
// service manager may not capture stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/tunvisor-service.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logOut = zerolog.ConsoleWriter{Out: os.Stderr}
		log.Logger = log.Output(logOut)
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	logOut = zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339}
	log.Logger = log.Output(logOut)
}

func logStartupBanner() {
	fmt.Fprintf(os.Stderr, "tunvisor %s (commit %s, built %s, %s)\n", Version, Commit, BuildTime, runtime.Version())
}

// loadConfig loads the daemon config from --config, falling back to the
// default path when it exists and to built-in defaults otherwise.
func loadConfig() (*config.DaemonConfig, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat(svc.DefaultConfigPath); err == nil {
			path = svc.DefaultConfigPath
		}
	}
	if path == "" {
		return config.DefaultDaemonConfig(), nil
	}

	cfg, err := config.LoadDaemonConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// resolveSocketPath picks --socket, then the config's socket path, then the default.
func resolveSocketPath() string {
	if socketPath != "" {
		return socketPath
	}
	if cfgFile != "" {
		if cfg, err := config.LoadDaemonConfig(cfgFile); err == nil {
			return cfg.SocketPath
		}
	}
	return control.DefaultSocketPath()
}

func newClient() *control.Client {
	return control.NewClient(resolveSocketPath())
}
