package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunvisor/tunvisor/internal/config"
	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/internal/status"
	"github.com/tunvisor/tunvisor/pkg/bytesize"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <session-file>",
		Short: "Start a session",
		Long: `Start a session described by a YAML session file. Any running session is
stopped first.

Example session file:

  remark: home
  mode: vpn_tun            # or proxy_only
  traffic_stats: true
  bypass_subnets: [10.0.0.0/8]
  engine_config_file: home.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSessionConfig(args[0])
			if err != nil {
				return err
			}
			st, err := newClient().Start(*cfg)
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Stop(); err != nil {
				return fmt.Errorf("failed to stop session: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Session stopped.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live traffic statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			return newClient().Watch(ctx, func(s status.Snapshot) {
				_, _ = fmt.Fprintln(out, formatSnapshot(s))
			})
		},
	}
}

func newDelayCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "delay",
		Short: "Measure latency through the running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Delay(url)
			if err != nil {
				return err
			}
			printDelay(cmd.OutOrStdout(), resp.Milliseconds, resp.Error)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "probe URL (default from daemon config)")
	return cmd
}

func newProbeCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "probe <engine-config.json>",
		Short: "Measure latency of an engine config without starting a session",
		Long: `Start a throwaway engine instance from the given configuration, with its
routing rules removed, and measure the latency of its outbound.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read engine config: %w", err)
			}
			resp, err := newClient().OutboundDelay(doc, url)
			if err != nil {
				return err
			}
			printDelay(cmd.OutOrStdout(), resp.Milliseconds, resp.Error)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "probe URL (default from daemon config)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "tunvisor %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			if v, err := newClient().CoreVersion(); err == nil {
				_, _ = fmt.Fprintf(out, "  Core:       %s\n", v)
			}
		},
	}
}

func printStatus(w io.Writer, st *session.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "State:\t%s\n", st.Snapshot.State)
	if st.SessionID != "" {
		_, _ = fmt.Fprintf(tw, "Session:\t%s\n", st.SessionID)
		_, _ = fmt.Fprintf(tw, "Remark:\t%s\n", st.Remark)
		_, _ = fmt.Fprintf(tw, "Mode:\t%s\n", st.Mode)
	}
	if !st.ConnectedAt.IsZero() {
		_, _ = fmt.Fprintf(tw, "Connected:\t%s (%s)\n", st.ConnectedAt.Format(time.RFC3339), st.Snapshot.Duration)
	}
	if st.Interface != "" {
		_, _ = fmt.Fprintf(tw, "Interface:\t%s\n", st.Interface)
	}
	if st.RelayPID != 0 {
		_, _ = fmt.Fprintf(tw, "Relay:\tpid %d, %d launches\n", st.RelayPID, st.RelayLaunches)
	}
	if st.HandoffError != "" {
		_, _ = fmt.Fprintf(tw, "Handoff error:\t%s\n", st.HandoffError)
	}
	for _, dns := range st.SkippedDNS {
		_, _ = fmt.Fprintf(tw, "Skipped DNS:\t%s\n", dns)
	}
	for _, app := range st.SkippedApps {
		_, _ = fmt.Fprintf(tw, "Skipped app:\t%s\n", app)
	}
	_, _ = fmt.Fprintf(tw, "Upload:\t%s (%s)\n", bytesize.FormatSpeed(st.Snapshot.UploadSpeed), bytesize.Format(st.Snapshot.TotalUpload))
	_, _ = fmt.Fprintf(tw, "Download:\t%s (%s)\n", bytesize.FormatSpeed(st.Snapshot.DownloadSpeed), bytesize.Format(st.Snapshot.TotalDownload))
	if st.CoreVersion != "" {
		_, _ = fmt.Fprintf(tw, "Core:\t%s\n", st.CoreVersion)
	}
	_ = tw.Flush()
}

func formatSnapshot(s status.Snapshot) string {
	return fmt.Sprintf("%-12s %s  up %s  down %s  total %s / %s",
		s.State, s.Duration,
		bytesize.FormatSpeed(s.UploadSpeed), bytesize.FormatSpeed(s.DownloadSpeed),
		bytesize.Format(s.TotalUpload), bytesize.Format(s.TotalDownload))
}

func printDelay(w io.Writer, ms int64, errMsg string) {
	if ms < 0 {
		_, _ = fmt.Fprintf(w, "Delay: failed (%s)\n", errMsg)
		return
	}
	_, _ = fmt.Fprintf(w, "Delay: %d ms\n", ms)
}
