// Package control provides a Unix socket server for CLI-to-daemon communication.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunvisor/tunvisor/internal/logging/audit"
	"github.com/tunvisor/tunvisor/internal/session"
	"github.com/tunvisor/tunvisor/internal/status"
)

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return "/var/run/tunvisor.sock"
}

// Request types for control commands.
const (
	CmdSessionStart   = "session.start"
	CmdSessionStop    = "session.stop"
	CmdSessionStatus  = "session.status"
	CmdSessionRunning = "session.running"
	CmdSessionWatch   = "session.watch"
	CmdDelayConnected = "delay.connected"
	CmdDelayOutbound  = "delay.outbound"
	CmdCoreVersion    = "core.version"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
	// SlowCommandTimeout covers session start and delay probes.
	SlowCommandTimeout = 60 * time.Second
)

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DelayRequest is the payload for the delay commands. Document is only used
// by delay.outbound. It is carried as opaque bytes (base64 on the wire) so a
// document that is not valid JSON still reaches the engine.
type DelayRequest struct {
	URL      string `json:"url,omitempty"`
	Document []byte `json:"document,omitempty"`
}

// DelayResponse carries a delay in milliseconds, -1 on failure.
type DelayResponse struct {
	Milliseconds int64  `json:"ms"`
	Error        string `json:"error,omitempty"`
}

// RunningResponse is the response for session.running.
type RunningResponse struct {
	Running bool `json:"running"`
}

// VersionResponse is the response for core.version.
type VersionResponse struct {
	Version string `json:"version"`
}

// Service is the daemon side of the control API.
type Service interface {
	Start(ctx context.Context, cfg session.Config) error
	Stop() error
	Status() session.Status
	IsRunning() bool
	MeasureDelay(ctx context.Context, url string) (int64, error)
	MeasureOutboundDelay(ctx context.Context, doc []byte, url string) (int64, error)
	CoreVersion() string
}

// Watchable streams telemetry snapshots.
type Watchable interface {
	Subscribe(buffer int) (<-chan status.Snapshot, func())
}

// Server is a Unix socket control server.
type Server struct {
	socketPath string
	service    Service
	watch      Watchable
	audit      *audit.Logger
	listener   net.Listener
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates a new control server. watch may be nil, in which case
// session.watch is refused.
func NewServer(socketPath string, service Service, watch Watchable) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		service:    service,
		watch:      watch,
		audit:      audit.Nop(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetAudit records state-changing and probing commands to l.
func (s *Server) SetAudit(l *audit.Logger) {
	if l == nil {
		l = audit.Nop()
	}
	s.audit = l
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	// Ensure parent directory exists
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Restrict socket permissions
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Stop closes the control server and waits for open connections.
func (s *Server) Stop() error {
	s.cancel()
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	if req.Command == CmdSessionWatch {
		s.handleWatch(conn)
		return
	}

	_ = conn.SetDeadline(time.Now().Add(SlowCommandTimeout))
	resp := s.handleCommand(req)
	s.record(req.Command, resp)

	encoder := json.NewEncoder(conn)
	_ = encoder.Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	ctx, cancel := context.WithTimeout(s.ctx, SlowCommandTimeout)
	defer cancel()

	switch req.Command {
	case CmdSessionStart:
		return s.handleStart(ctx, req.Payload)
	case CmdSessionStop:
		if err := s.service.Stop(); err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		return Response{Success: true}
	case CmdSessionStatus:
		return dataResponse(s.service.Status())
	case CmdSessionRunning:
		return dataResponse(RunningResponse{Running: s.service.IsRunning()})
	case CmdDelayConnected, CmdDelayOutbound:
		return s.handleDelay(ctx, req)
	case CmdCoreVersion:
		return dataResponse(VersionResponse{Version: s.service.CoreVersion()})
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) handleStart(ctx context.Context, payload json.RawMessage) Response {
	var cfg session.Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if err := s.service.Start(ctx, cfg); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	log.Info().Str("remark", cfg.Remark).Msg("session started via control socket")
	return dataResponse(s.service.Status())
}

func (s *Server) handleDelay(ctx context.Context, req Request) Response {
	var dr DelayRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &dr); err != nil {
			return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
		}
	}

	var (
		ms  int64
		err error
	)
	if req.Command == CmdDelayOutbound {
		if len(dr.Document) == 0 {
			return Response{Success: false, Error: "document is required"}
		}
		ms, err = s.service.MeasureOutboundDelay(ctx, dr.Document, dr.URL)
	} else {
		ms, err = s.service.MeasureDelay(ctx, dr.URL)
	}

	resp := DelayResponse{Milliseconds: ms}
	if err != nil {
		resp.Milliseconds = -1
		resp.Error = err.Error()
	}
	return dataResponse(resp)
}

// handleWatch acknowledges the request, then writes one snapshot per line
// until the client goes away or the server stops.
func (s *Server) handleWatch(conn net.Conn) {
	if s.watch == nil {
		s.sendError(conn, errors.New("watch not available"))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	snaps, unsubscribe := s.watch.Subscribe(8)
	defer unsubscribe()

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(Response{Success: true}); err != nil {
		return
	}

	// A read returning means the client closed its end.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-closed:
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(SocketReadWriteTimeout))
			if err := encoder.Encode(snap); err != nil {
				return
			}
		}
	}
}

// record writes an audit entry for commands other than plain queries.
func (s *Server) record(command string, resp Response) {
	switch command {
	case CmdSessionStatus, CmdSessionRunning, CmdCoreVersion:
		return
	}
	result := audit.ResultOK
	if !resp.Success {
		result = audit.ResultFailed
	}
	s.audit.LogControl(command, result, resp.Error)
}

func dataResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("encode response: %v", err)}
	}
	return Response{Success: true, Data: data}
}

func (s *Server) sendError(conn net.Conn, err error) {
	resp := Response{Success: false, Error: err.Error()}
	_ = json.NewEncoder(conn).Encode(resp)
}
