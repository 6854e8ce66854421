package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/logparse"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/store"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (1 MB).
	scannerInitBufSize = 1024 * 1024
	// scannerMaxTokenSize is the maximum token size the scanner will accept (10 MB).
	scannerMaxTokenSize = 10 * 1024 * 1024
	// callTimeout bounds blocking methods such as Connect and LoadHistory.
	callTimeout = 30 * time.Second
)

// Controller is the session surface driven over the socket.
type Controller interface {
	model.Controller
	Open(ctx context.Context, flowID string) error
	Disconnect()
	LoadHistory(ctx context.Context) error
}

// Server exposes a Controller over a Unix domain socket using JSON-RPC 2.0.
type Server struct {
	socketPath string
	ctrl       Controller
	logger     *slog.Logger
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once
	ctx        context.Context
	cancel     context.CancelFunc

	metricsView *store.Memo[map[string][]store.MetricView]
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, ctrl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		ctrl:        ctrl,
		logger:      logger,
		quit:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		metricsView: store.NewMemo(store.MetricsByComponent),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("socket rpc listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener, cancels in-flight calls, waits for connections
// to drain, and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				// Transient errors (fd limit) must not end the loop.
				s.logger.Warn("socket rpc accept failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock the scanner when the server stops.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp := Response{JSONRPC: "2.0", ID: 0, Error: &RPCError{Code: codeParseError, Message: "parse error"}}
			encoder.Encode(resp)
			continue
		}

		resp := s.dispatch(req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v any, err error) Response {
		if err != nil {
			resp.Error = appError(err)
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: codeInternalError, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	switch req.Method {
	case "Snapshot":
		return marshalResult(s.ctrl.Snapshot(), nil)

	case "Status":
		return marshalResult(statusOf(s.ctrl.Snapshot()), nil)

	case "Logs":
		var p LogsParams
		if err := json.Unmarshal(req.Params, &p); err != nil && len(req.Params) > 0 {
			return invalidParams(err)
		}
		logs, err := s.logs(p)
		if err != nil {
			return invalidParams(err)
		}
		return marshalResult(logs, nil)

	case "Metrics":
		snap := s.ctrl.Snapshot()
		return marshalResult(MetricsResult{
			Components:           s.metricsView.Get(snap),
			LastMetricsTimestamp: snap.LastMetricsTimestamp,
		}, nil)

	case "Messages":
		return marshalResult(messagesOf(s.ctrl.Snapshot()), nil)

	case "ClearLogs":
		s.ctrl.ClearLogs()
		return marshalResult(true, nil)

	case "LoadHistory":
		ctx, cancel := context.WithTimeout(s.ctx, callTimeout)
		defer cancel()
		if err := s.ctrl.LoadHistory(ctx); err != nil {
			return marshalResult(nil, err)
		}
		return marshalResult(messagesOf(s.ctrl.Snapshot()), nil)

	case "DismissHistoryError":
		s.ctrl.DismissHistoryError()
		return marshalResult(true, nil)

	case "Connect":
		var p struct{ FlowID string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.FlowID == "" {
			return invalidParams(errors.New("FlowID is required"))
		}
		ctx, cancel := context.WithTimeout(s.ctx, callTimeout)
		defer cancel()
		if err := s.ctrl.Open(ctx, p.FlowID); err != nil {
			return marshalResult(nil, err)
		}
		return marshalResult(statusOf(s.ctrl.Snapshot()), nil)

	case "Disconnect":
		s.ctrl.Disconnect()
		return marshalResult(statusOf(s.ctrl.Snapshot()), nil)

	default:
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}

func (s *Server) logs(p LogsParams) ([]model.LogEntry, error) {
	snap := s.ctrl.Snapshot()
	logs := snap.Logs
	if p.MinLevel != "" {
		lvl, ok := logparse.LookupLevel(p.MinLevel)
		if !ok {
			return nil, fmt.Errorf("unknown level %q", p.MinLevel)
		}
		logs = store.LogsAtLeast(snap, lvl)
	}
	if p.ExcludeMessages {
		logs = store.NonMessageLogs(&model.Snapshot{Logs: logs})
	}
	if p.Limit > 0 && len(logs) > p.Limit {
		logs = logs[len(logs)-p.Limit:]
	}
	if logs == nil {
		logs = []model.LogEntry{}
	}
	return logs, nil
}

func appError(err error) *RPCError {
	var fe *history.FetchError
	if errors.As(err, &fe) {
		return &RPCError{Code: codeHistoryError, Message: fmt.Sprintf("%s: %v", fe.Kind, err)}
	}
	return &RPCError{Code: codeAppError, Message: err.Error()}
}
