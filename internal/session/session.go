// Package session wires the store, connection manager, reconnect policy and
// history client into one view of a flow.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinytelemetry/flowscope/internal/conn"
	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/metrics"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/retry"
	"github.com/tinytelemetry/flowscope/internal/store"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrNoFlow is returned when no flow has been opened yet.
	ErrNoFlow = errors.New("session: no flow open")
	// ErrHistoryExhausted is returned by LoadHistory once the last page was merged.
	ErrHistoryExhausted = errors.New("session: no more history pages")
)

// Config configures a Session. Dialer, History and Clock default to the
// production implementations.
type Config struct {
	BackendURL      string
	LogCapacity     int
	HistoryCapacity int
	HistoryPageSize int
	ConnectTimeout  time.Duration
	Reconnect       retry.Policy

	Logger  *slog.Logger
	Metrics metrics.Recorder
	Dialer  conn.Dialer
	History history.Fetcher
	Clock   retry.Clock
}

// Session is one live view of a flow.
type Session struct {
	logger   *slog.Logger
	metrics  metrics.Recorder
	pageSize int

	store   *store.Store
	manager *conn.Manager
	recon   *retry.Reconnector
	fetcher history.Fetcher

	// serializes Open and the tail of Close
	openMu sync.Mutex
	// serializes history fetches
	historyMu sync.Mutex

	mu         sync.Mutex
	flowID     string
	flowCtx    context.Context
	flowCancel context.CancelFunc
	// historyCtx bounds in-flight history fetches; Disconnect, a flow
	// switch and Close cancel it.
	historyCtx    context.Context
	historyCancel context.CancelFunc
	closed        bool
}

// New creates a session with no flow open.
func New(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = model.DefaultHistoryPageSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = model.DefaultConnectTimeout
	}
	if cfg.Reconnect == (retry.Policy{}) {
		cfg.Reconnect = retry.DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = retry.RealClock()
	}
	if cfg.Dialer == nil {
		if cfg.BackendURL == "" {
			return nil, errors.New("session: backend url is required")
		}
		if _, err := conn.EventsURL(cfg.BackendURL, "probe"); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		cfg.Dialer = conn.NewWebSocketDialer(cfg.BackendURL, nil)
	}
	if cfg.History == nil {
		client, err := history.NewClient(cfg.BackendURL)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		cfg.History = client
	}

	s := &Session{
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		pageSize: cfg.HistoryPageSize,
		fetcher:  cfg.History,
	}
	s.historyCtx, s.historyCancel = context.WithCancel(context.Background())
	s.store = store.New(store.Config{
		LogCapacity:     cfg.LogCapacity,
		HistoryCapacity: cfg.HistoryCapacity,
		Logger:          cfg.Logger.With("component", "store"),
		Metrics:         cfg.Metrics,
	})
	s.manager = conn.NewManager(cfg.Dialer, s.store.OnFrame, s.onState,
		conn.WithConnectTimeout(cfg.ConnectTimeout),
		conn.WithLogger(cfg.Logger.With("component", "conn")),
	)
	s.recon = retry.NewReconnector(s.manager, cfg.Reconnect,
		retry.WithClock(cfg.Clock),
		retry.WithLogger(cfg.Logger.With("component", "retry")),
		retry.WithScheduleHook(func(string, int, time.Duration) { cfg.Metrics.ReconnectScheduled() }),
	)
	return s, nil
}

// onState feeds the reconnect policy before the store, so a published
// Errored snapshot implies the retry is already scheduled.
func (s *Session) onState(st model.ConnectionStatus) {
	s.recon.Observe(st)
	s.store.SetConnection(st)
}

// Open switches the session to flowID and connects. Opening the current
// flow again reconnects it if it is not already connected. A failed first
// attempt is returned but retried in the background.
func (s *Session) Open(ctx context.Context, flowID string) error {
	if flowID == "" {
		return errors.New("session: empty flow id")
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if flowID == s.flowID && s.flowCtx != nil {
		flowCtx := s.flowCtx
		s.mu.Unlock()
		s.recon.Track(flowCtx, flowID)
		return s.connect(ctx, flowID)
	}

	if s.flowCancel != nil {
		s.flowCancel()
	}
	flowCtx, cancel := context.WithCancel(context.Background())
	previous := s.flowID
	s.flowID = flowID
	s.flowCtx, s.flowCancel = flowCtx, cancel
	s.cancelHistoryLocked()
	s.mu.Unlock()

	s.recon.Stop()
	s.manager.Disconnect()
	s.store.Reset(flowID)
	s.recon.Track(flowCtx, flowID)
	if previous != "" {
		s.logger.Info("flow switched", "from", previous, "to", flowID)
	}
	return s.connect(ctx, flowID)
}

func (s *Session) connect(ctx context.Context, flowID string) error {
	err := s.manager.Connect(ctx, flowID)
	if errors.Is(err, conn.ErrSuperseded) {
		return nil
	}
	return err
}

// Disconnect closes the live stream, stops reconnecting and cancels any
// in-flight history fetch. State is kept; Open with the same flow resumes.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.closed {
		s.cancelHistoryLocked()
	}
	s.mu.Unlock()

	s.recon.Stop()
	s.manager.Disconnect()
}

// cancelHistoryLocked aborts running history fetches and arms a fresh
// context for later ones.
func (s *Session) cancelHistoryLocked() {
	s.historyCancel()
	s.historyCtx, s.historyCancel = context.WithCancel(context.Background())
}

// Close tears the session down. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.flowCancel != nil {
		s.flowCancel()
	}
	s.historyCancel()
	s.mu.Unlock()

	s.recon.Stop()
	s.manager.Disconnect()

	// An Open racing with Close may have connected after the first Disconnect.
	s.openMu.Lock()
	s.manager.Disconnect()
	s.openMu.Unlock()
}

// LoadHistory fetches the next page of history for the current flow and
// merges it. Fetch failures are recorded in the snapshot and returned. The
// fetch is cancelled when ctx ends, the session disconnects, the flow
// changes or the session closes. A page that arrives after ClearLogs is
// discarded with store.ErrStaleHistory.
func (s *Session) LoadHistory(ctx context.Context) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.flowID == "" {
		s.mu.Unlock()
		return ErrNoFlow
	}
	flowID, historyCtx := s.flowID, s.historyCtx
	s.mu.Unlock()

	mark := s.store.HistoryMark()
	if mark.FlowID != flowID {
		return store.ErrFlowMismatch
	}
	if mark.Exhausted {
		return ErrHistoryExhausted
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(historyCtx, cancel)
	defer stop()

	start := time.Now()
	page, err := s.fetcher.FetchMessages(fetchCtx, history.FetchRequest{
		FlowID: flowID,
		Limit:  s.pageSize,
		Cursor: mark.Cursor,
	})
	if err != nil {
		if fetchCtx.Err() != nil {
			s.metrics.HistoryFetch("cancelled", time.Since(start))
			return fetchCtx.Err()
		}
		herr := model.HistoryError{Kind: model.HistoryNetworkError, Message: err.Error()}
		var fe *history.FetchError
		if errors.As(err, &fe) {
			herr = fe.HistoryError()
		}
		s.metrics.HistoryFetch(string(herr.Kind), time.Since(start))
		s.logger.Warn("history fetch failed", "flow", flowID, "kind", herr.Kind, "error", err)
		if setErr := s.store.SetHistoryError(mark, herr); setErr != nil {
			return setErr
		}
		return err
	}
	s.metrics.HistoryFetch("ok", time.Since(start))

	return s.store.MergeHistory(mark, page)
}

// ClearLogs empties logs and merged history. The next LoadHistory starts
// from the first page again.
func (s *Session) ClearLogs() {
	s.store.ClearLogs()
}

// DismissHistoryError clears the last history fetch error.
func (s *Session) DismissHistoryError() {
	s.store.DismissHistoryError()
}

// Snapshot returns the latest snapshot.
func (s *Session) Snapshot() *model.Snapshot {
	return s.store.Snapshot()
}

// Subscribe registers fn for every snapshot, starting with the current one.
func (s *Session) Subscribe(fn func(*model.Snapshot)) func() {
	return s.store.Subscribe(fn)
}

// FlowID returns the open flow, if any.
func (s *Session) FlowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowID
}

// Status returns the connection manager's current status.
func (s *Session) Status() model.ConnectionStatus {
	return s.manager.Status()
}
