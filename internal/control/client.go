package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/internal/status"
)

// Client is a control socket client.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	return c.send(req, SocketReadWriteTimeout)
}

func (c *Client) send(req Request, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

// call sends a command and decodes a successful response's data into out.
func (c *Client) call(cmd string, payload any, timeout time.Duration, out any) error {
	req := Request{Command: cmd}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		req.Payload = data
	}

	resp, err := c.send(req, timeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Start asks the daemon to bring up a session and returns the resulting status.
func (c *Client) Start(cfg session.Config) (*session.Status, error) {
	var st session.Status
	if err := c.call(CmdSessionStart, cfg, SlowCommandTimeout, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Stop tears down the active session, if any.
func (c *Client) Stop() error {
	return c.call(CmdSessionStop, nil, SlowCommandTimeout, nil)
}

// Status retrieves the daemon's session status.
func (c *Client) Status() (*session.Status, error) {
	var st session.Status
	if err := c.call(CmdSessionStatus, nil, SocketReadWriteTimeout, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Running reports whether the engine is running.
func (c *Client) Running() (bool, error) {
	var r RunningResponse
	if err := c.call(CmdSessionRunning, nil, SocketReadWriteTimeout, &r); err != nil {
		return false, err
	}
	return r.Running, nil
}

// Delay measures latency through the running session.
func (c *Client) Delay(url string) (*DelayResponse, error) {
	var r DelayResponse
	if err := c.call(CmdDelayConnected, DelayRequest{URL: url}, SlowCommandTimeout, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// OutboundDelay measures latency of an engine document without starting a session.
func (c *Client) OutboundDelay(document []byte, url string) (*DelayResponse, error) {
	req := DelayRequest{URL: url, Document: document}
	var r DelayResponse
	if err := c.call(CmdDelayOutbound, req, SlowCommandTimeout, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CoreVersion returns the engine version reported by the daemon.
func (c *Client) CoreVersion() (string, error) {
	var r VersionResponse
	if err := c.call(CmdCoreVersion, nil, SocketReadWriteTimeout, &r); err != nil {
		return "", err
	}
	return r.Version, nil
}

// Watch streams telemetry snapshots to fn until ctx is cancelled or the
// daemon closes the stream.
func (c *Client) Watch(ctx context.Context, fn func(status.Snapshot)) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, SocketDialTimeout)
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := json.NewEncoder(conn).Encode(Request{Command: CmdSessionWatch}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	decoder := json.NewDecoder(conn)

	var ack Response
	if err := decoder.Decode(&ack); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if !ack.Success {
		return errors.New(ack.Error)
	}

	for {
		var snap status.Snapshot
		if err := decoder.Decode(&snap); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read snapshot: %w", err)
		}
		fn(snap)
	}
}
