package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunvisor/tunvisor/internal/config"
	"github.com/tunvisor/tunvisor/internal/control"
	"github.com/tunvisor/tunvisor/internal/engine"
	"github.com/tunvisor/tunvisor/internal/engine/xray"
	"github.com/tunvisor/tunvisor/internal/logging/audit"
	"github.com/tunvisor/tunvisor/internal/logging/loki"
	"github.com/tunvisor/tunvisor/internal/metrics"
	"github.com/tunvisor/tunvisor/internal/netmon"
	"github.com/tunvisor/tunvisor/internal/relay"
	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/internal/svc"
	"github.com/tunvisor/tunvisor/internal/telemetry"
	"github.com/tunvisor/tunvisor/internal/tracing"
	"github.com/tunvisor/tunvisor/internal/tun"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tunvisor daemon",
		Long: `Run the daemon in the foreground. The daemon listens on the control socket
and runs at most one session at a time.

VPN sessions create a TUN interface and install policy routing rules, which
requires root or CAP_NET_ADMIN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") {
				config.ApplyLogLevel(cfg.LogLevel)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runDaemon(ctx, cfg)
		},
	}
}

// runAsService is the entry point when started by the service manager.
func runAsService() {
	setupServiceLogging()
	logStartupBanner()

	u := svc.DefaultUnit()
	u.ConfigPath = svc.ConfigPathFromArgs(os.Args)
	log.Info().Str("config", u.ConfigPath).Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: u.ConfigPath,
		Run:        runDaemonFromService,
	}
	if err := svc.Run(prg, u); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func runDaemonFromService(ctx context.Context, configPath string) error {
	cfg, err := config.LoadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	config.ApplyLogLevel(cfg.LogLevel)
	return runDaemon(ctx, cfg)
}

// runDaemon wires the engine, interface manager, relay and telemetry into a
// session controller and serves it on the control socket until ctx is done.
func runDaemon(ctx context.Context, cfg *config.DaemonConfig) error {
	if cfg.Loki.Enabled {
		lw := startLokiWriter(cfg.Loki)
		defer func() {
			log.Logger = log.Output(logOut)
			lw.Stop()
		}()
	}

	core := xray.New()
	eng := engine.NewController(core)

	tunnels := tun.NewManager(func() tun.Builder { return tun.NewDeviceBuilder(cfg.TUN.Name) })
	tunnels.SetMTU(cfg.TUN.MTU)

	auditLog := audit.Nop()
	if cfg.Audit {
		auditLog = audit.NewLogger(log.With().Str("component", "audit").Logger())
	}

	watch := telemetry.NewBroadcaster()
	sinks := telemetry.MultiSink{watch, telemetry.LogSink{}}
	observers := []session.Observer{transitionLogger(), auditLog}
	hooks := []relay.Hooks{auditLog.RelayHooks()}

	var (
		metricsSrv *http.Server
		recorder   *tracing.Recorder
	)
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(metrics.InitMetrics(cfg.AppLabel, Version, core.Version()))
		sinks = append(sinks, collector)
		observers = append(observers, collector)
		hooks = append(hooks, collector.RelayHooks())

		if cfg.Metrics.Trace {
			recorder = tracing.NewRecorder(0)
			if err := recorder.Start(); err != nil {
				log.Warn().Err(err).Msg("trace recorder unavailable")
				recorder = nil
			} else {
				defer recorder.Stop()
			}
		}
	}

	ctrl := session.NewController(session.Options{
		Engine:  eng,
		Tunnels: tunnels,
		Relay: relay.Config{
			Binary:       cfg.Relay.Binary,
			WorkDir:      cfg.RelayWorkDir(),
			MTU:          cfg.TUN.MTU,
			LogLevel:     cfg.Relay.LogLevel,
			RespawnDelay: cfg.RespawnDelay(),
		},
		RelayHooks: relay.ChainHooks(hooks...),
		Sink:       sinks,
		Indicator:  session.LogIndicator{},
		Observers:  observers,
		Monitor: func() (netmon.Monitor, error) {
			return netmon.New(netmon.Config{Interfaces: []string{cfg.TUN.Name}})
		},
		DelayURL:    cfg.DelayURL,
		XUDPBaseKey: cfg.XUDPKey,
	})

	if err := os.MkdirAll(cfg.AssetDir, 0755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}
	if err := ctrl.Initialize(cfg.AssetDir, cfg.AppLabel, cfg.Icon); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	server := control.NewServer(cfg.SocketPath, ctrl, watch)
	server.SetAudit(auditLog)
	if err := server.Start(); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics.Listen, recorder)
	}

	log.Info().
		Str("version", Version).
		Str("core", core.Version()).
		Str("socket", cfg.SocketPath).
		Msg("tunvisor daemon ready")

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	var errs []error
	if err := server.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := ctrl.Close(); err != nil {
		errs = append(errs, err)
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func transitionLogger() session.Observer {
	return session.ObserverFunc(func(t session.Transition) {
		ev := log.Info()
		if t.Error != nil {
			ev = log.Warn().Err(t.Error)
		}
		ev.Str("session", t.SessionID).
			Str("from", t.From.String()).
			Str("to", t.To.String()).
			Msg("session state changed")
	})
}

// startLokiWriter adds Loki as a second destination for the global logger.
func startLokiWriter(cfg config.LokiConfig) *loki.Writer {
	lw := loki.NewWriter(loki.Config{
		URL:           cfg.URL,
		Labels:        cfg.Labels,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushEvery(),
	})
	lw.Start()
	log.Logger = log.Output(zerolog.MultiLevelWriter(logOut, lw))
	log.Info().Str("url", cfg.URL).Msg("shipping logs to loki")
	return lw
}

func startMetricsServer(listen string, recorder *tracing.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if recorder != nil {
		mux.Handle("/debug/trace", recorder)
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listen", listen).Msg("metrics server error")
		}
	}()
	log.Info().Str("listen", listen).Msg("metrics server started")
	return srv
}
