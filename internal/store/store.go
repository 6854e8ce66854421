// Package store aggregates live frames into immutable snapshots.
package store

import (
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tinytelemetry/flowscope/internal/conn"
	"github.com/tinytelemetry/flowscope/internal/fanout"
	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/ingest"
	"github.com/tinytelemetry/flowscope/internal/metrics"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/ratecalc"
	"github.com/tinytelemetry/flowscope/internal/ringbuf"
)

// ErrFlowMismatch is returned when a history result belongs to a flow the
// store is no longer showing.
var ErrFlowMismatch = errors.New("store: flow id does not match current flow")

// ErrStaleHistory is returned when the merged history was cleared or reset
// after the fetch started.
var ErrStaleHistory = errors.New("store: history was reset during fetch")

// HistoryMark captures the merge state a history fetch starts from. Results
// are only accepted while that state is still current.
type HistoryMark struct {
	FlowID    string
	Cursor    string
	Exhausted bool
	epoch     uint64
}

// Config configures a Store.
type Config struct {
	LogCapacity     int
	HistoryCapacity int
	Logger          *slog.Logger
	Metrics         metrics.Recorder
	Decoder         *ingest.Decoder
	// NewID generates log entry ids; defaults to random UUIDs.
	NewID func() string
}

// Store is the single writer of flow state. Every mutation runs under one
// mutex and publishes a fresh snapshot before releasing it, so subscribers
// observe snapshots in mutation order. Subscriber callbacks must not call
// back into the store synchronously.
type Store struct {
	logger  *slog.Logger
	metrics metrics.Recorder
	decoder *ingest.Decoder
	newID   func() string

	mu            sync.Mutex
	flowID        string
	logs          *ringbuf.Buffer[model.LogEntry]
	rates         *ratecalc.Calculator
	metricsRaw    map[string]model.MetricSample
	metricsRates  map[string]model.Rate
	lastMetricsTS int64
	health        *model.HealthSnapshot
	conn          model.ConnectionStatus
	connVersion   uint64
	recon         *history.Reconciler
	historyErr    *model.HistoryError
	historyTotal  int
	historyCursor string
	historyDone   bool
	historyEpoch  uint64
	seq           uint64
	dropped       uint64
	version       uint64
	messages      []model.Message
	messagesDirty bool

	current atomic.Pointer[model.Snapshot]
	fan     *fanout.Broadcaster[*model.Snapshot]
}

// New creates an empty store with no flow selected.
func New(cfg Config) *Store {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = model.DefaultLogBuffer
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = model.DefaultHistoryCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Decoder == nil {
		cfg.Decoder = ingest.NewDecoder()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}

	s := &Store{
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		decoder:      cfg.Decoder,
		newID:        cfg.NewID,
		logs:         ringbuf.New[model.LogEntry](cfg.LogCapacity),
		rates:        ratecalc.New(),
		metricsRaw:   map[string]model.MetricSample{},
		metricsRates: map[string]model.Rate{},
		conn:         model.ConnectionStatus{State: model.StateDisconnected},
		recon:        history.NewReconciler(cfg.HistoryCapacity),
		fan:          fanout.New[*model.Snapshot](),
	}

	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()
	return s
}

// Snapshot returns the latest snapshot. It never blocks on writers.
func (s *Store) Snapshot() *model.Snapshot {
	return s.current.Load()
}

// Subscribe registers fn for every future snapshot and delivers the
// current one immediately. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(*model.Snapshot)) func() {
	unsubscribe := s.fan.Subscribe(fn)
	s.metrics.Subscribers(s.fan.Len())
	return func() {
		unsubscribe()
		s.metrics.Subscribers(s.fan.Len())
	}
}

// FlowID returns the flow the store currently aggregates.
func (s *Store) FlowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowID
}

// OnFrame decodes and applies one raw frame from the event stream.
// Undecodable frames are dropped and counted; OnFrame never fails.
func (s *Store) OnFrame(f conn.Frame) {
	rec, err := s.decoder.Decode(f.Data, f.Binary)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.dropFrameLocked(err)
		s.publishLocked()
		return
	}
	s.applyLocked(rec)
	s.publishLocked()
}

// Apply applies an already decoded record.
func (s *Store) Apply(rec ingest.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(rec)
	s.publishLocked()
}

func (s *Store) dropFrameLocked(err error) {
	s.dropped++
	reason := ingest.ReasonMalformed
	var de *ingest.DecodeError
	if errors.As(err, &de) {
		reason = de.Reason
	}
	s.metrics.FrameDropped(reason)
	s.logger.Warn("frame_dropped", "flow", s.flowID, "reason", reason, "error", err)
}

func (s *Store) applyLocked(rec ingest.Record) {
	switch rec.Kind {
	case ingest.KindLog:
		s.appendLogLocked(rec.Log)
	case ingest.KindMetric:
		s.applyMetricLocked(rec.Metric)
	case ingest.KindHealth:
		h := rec.Health
		s.health = &h
	default:
		s.dropFrameLocked(&ingest.DecodeError{Reason: ingest.ReasonUnknownType})
		return
	}
	s.metrics.FrameReceived(rec.Kind.String())
}

func (s *Store) appendLogLocked(e model.LogEntry) {
	s.seq++
	e.ID = s.newID()
	e.Seq = s.seq

	evictsMessage := false
	if s.logs.Len() == s.logs.Cap() {
		evictsMessage = s.logs.Snapshot()[0].IsMessage()
	}
	if evicted := s.logs.Append(e); evicted > 0 {
		s.metrics.LogsEvicted(evicted)
	}
	if e.IsMessage() || evictsMessage {
		s.messagesDirty = true
	}
}

func (s *Store) applyMetricLocked(m model.MetricSample) {
	key := m.Key()
	rate, outcome := s.rates.Observe(key, m.RawValue, m.Timestamp)
	switch outcome {
	case ratecalc.OutcomeStale:
		s.metrics.StaleSample()
		s.logger.Debug("metric_sample_ignored", "key", key, "timestamp", m.Timestamp)
		return
	case ratecalc.OutcomeReset:
		s.metrics.CounterReset()
		s.logger.Debug("metric_counter_reset", "key", key, "value", m.RawValue)
	}

	raw := maps.Clone(s.metricsRaw)
	raw[key] = m
	rates := maps.Clone(s.metricsRates)
	rates[key] = rate
	s.metricsRaw, s.metricsRates = raw, rates
	if m.Timestamp > s.lastMetricsTS {
		s.lastMetricsTS = m.Timestamp
	}
}

// SetConnection records a connection status. Statuses older than the last
// recorded one, or for a flow other than the current, are ignored.
func (s *Store) SetConnection(status model.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status.Version <= s.connVersion {
		return
	}
	if s.flowID != "" && status.FlowID != s.flowID {
		return
	}
	s.connVersion = status.Version
	s.conn = status
	s.metrics.ConnectionState(status.State)
	s.publishLocked()
}

// Reset clears all state and starts aggregating flowID.
func (s *Store) Reset(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flowID = flowID
	s.logs.Clear()
	s.rates.Reset()
	s.metricsRaw = map[string]model.MetricSample{}
	s.metricsRates = map[string]model.Rate{}
	s.lastMetricsTS = 0
	s.health = nil
	s.conn = model.ConnectionStatus{FlowID: flowID, State: model.StateDisconnected}
	s.resetHistoryLocked()
	s.historyErr = nil
	s.dropped = 0
	s.messagesDirty = true
	s.publishLocked()
}

// ClearLogs empties the log buffer and the merged history. Metrics, rates
// and health are kept.
func (s *Store) ClearLogs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs.Clear()
	s.resetHistoryLocked()
	s.messagesDirty = true
	s.publishLocked()
}

// HistoryMark returns the current flow and cursor for the next history fetch.
func (s *Store) HistoryMark() HistoryMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return HistoryMark{
		FlowID:    s.flowID,
		Cursor:    s.historyCursor,
		Exhausted: s.historyDone,
		epoch:     s.historyEpoch,
	}
}

func (s *Store) resetHistoryLocked() {
	s.recon.Reset()
	s.historyTotal = 0
	s.historyCursor = ""
	s.historyDone = false
	s.historyEpoch++
}

func (s *Store) checkMarkLocked(mark HistoryMark) error {
	if mark.FlowID != s.flowID {
		return ErrFlowMismatch
	}
	if mark.epoch != s.historyEpoch {
		return ErrStaleHistory
	}
	return nil
}

// MergeHistory merges a page fetched from mark into the message view in a
// single snapshot and advances the cursor. A successful merge clears any
// history error.
func (s *Store) MergeHistory(mark HistoryMark, page history.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMarkLocked(mark); err != nil {
		return err
	}
	added := s.recon.Add(page.Messages, s.nextSeqLocked)
	s.historyTotal = page.Total
	s.historyCursor = page.NextCursor
	s.historyDone = page.NextCursor == ""
	s.historyEpoch++
	s.historyErr = nil
	s.messagesDirty = true
	s.logger.Debug("history_merged", "flow", mark.FlowID, "added", added, "skipped", page.Skipped)
	s.publishLocked()
	return nil
}

// SetHistoryError records a failed fetch started from mark without
// touching merged data.
func (s *Store) SetHistoryError(mark HistoryMark, herr model.HistoryError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMarkLocked(mark); err != nil {
		return err
	}
	s.historyErr = &herr
	s.publishLocked()
	return nil
}

// DismissHistoryError clears the history error, if any.
func (s *Store) DismissHistoryError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyErr == nil {
		return
	}
	s.historyErr = nil
	s.publishLocked()
}

func (s *Store) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) publishLocked() {
	if s.messagesDirty {
		s.messages = history.Merge(history.LiveMessages(s.logs.Snapshot()), s.recon.Historical())
		s.messagesDirty = false
	}
	s.version++

	snap := &model.Snapshot{
		Version:              s.version,
		FlowID:               s.flowID,
		ConnectionState:      s.conn.State,
		Error:                s.conn.Error,
		Health:               s.health,
		Logs:                 s.logs.Snapshot(),
		MetricsRaw:           s.metricsRaw,
		MetricsRates:         s.metricsRates,
		LastMetricsTimestamp: s.lastMetricsTS,
		Messages:             s.messages,
		HistoryError:         s.historyErr,
		HistoryTotal:         s.historyTotal,
		HistoryCursor:        s.historyCursor,
		DroppedFrames:        s.dropped,
	}
	if snap.Messages == nil {
		snap.Messages = []model.Message{}
	}
	s.current.Store(snap)
	s.fan.Publish(snap)
}
