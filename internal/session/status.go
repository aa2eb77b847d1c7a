package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunvisor/tunvisor/internal/status"
)

// Status is the externally visible view of the controller.
type Status struct {
	Snapshot      status.Snapshot `json:"snapshot"`
	Running       bool            `json:"running"`
	SessionID     string          `json:"session_id,omitempty"`
	Remark        string          `json:"remark,omitempty"`
	Mode          Mode            `json:"mode,omitempty"`
	ConnectedAt   time.Time       `json:"connected_at,omitempty"`
	Interface     string          `json:"interface,omitempty"`
	RelayPID      int             `json:"relay_pid,omitempty"`
	RelayLaunches int             `json:"relay_launches,omitempty"`
	HandoffError  string          `json:"handoff_error,omitempty"`
	SkippedDNS    []string        `json:"skipped_dns,omitempty"`
	SkippedApps   []string        `json:"skipped_apps,omitempty"`
	CoreVersion   string          `json:"core_version"`
}

// Status returns a snapshot of the current session.
func (c *Controller) Status() Status {
	running := c.eng.IsRunning()

	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Snapshot:    status.Zero(),
		Running:     c.state == status.Connected && running,
		CoreVersion: c.eng.Version(),
	}
	s := c.current
	if s == nil {
		return st
	}

	st.Snapshot = s.timer.Counters().Snapshot(c.state)
	st.SessionID = s.id
	st.Remark = s.cfg.Remark
	st.Mode = s.cfg.Mode
	st.ConnectedAt = s.connectedAt
	if s.tunnel != nil {
		st.Interface = s.tunnel.Name()
		st.SkippedDNS = s.report.SkippedDNS
		st.SkippedApps = s.report.SkippedApps
	}
	if s.relay != nil {
		st.RelayPID = s.relay.Pid()
		st.RelayLaunches = s.relay.Launches()
	}
	if s.handoffErr != nil {
		st.HandoffError = s.handoffErr.Error()
	}
	return st
}

// MeasureDelay measures the round trip through the running session. It
// returns -1 with the error when the measurement fails, and ErrNoSession
// without touching the engine when nothing is connected.
func (c *Controller) MeasureDelay(ctx context.Context, url string) (int64, error) {
	active, ok := c.ActiveConfig()
	if !ok {
		return -1, ErrNoSession
	}
	if url == "" {
		url = c.opts.DelayURL
	}
	ms, err := c.eng.MeasureDelay(ctx, url)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Str("remark", active.Remark).Msg("delay measurement failed")
		return -1, err
	}
	return ms, nil
}

// MeasureOutboundDelay measures a candidate engine configuration without
// touching the running session.
func (c *Controller) MeasureOutboundDelay(ctx context.Context, doc []byte, url string) (int64, error) {
	if url == "" {
		url = c.opts.DelayURL
	}
	ms, err := c.eng.MeasureOutboundDelay(ctx, doc, url)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("outbound delay measurement failed")
		return -1, err
	}
	return ms, nil
}

// CoreVersion returns the engine version.
func (c *Controller) CoreVersion() string {
	return c.eng.Version()
}
