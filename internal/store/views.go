package store

import (
	"sort"
	"sync"

	"github.com/tinytelemetry/flowscope/internal/model"
)

// MetricView is one metric key as shown in a per-component listing.
type MetricView struct {
	Name      string     `json:"name"`
	RawValue  float64    `json:"rawValue"`
	Rate      model.Rate `json:"rate"`
	NearZero  bool       `json:"nearZero"`
	Timestamp int64      `json:"timestamp"`
}

// MetricsByComponent groups a snapshot's metrics by component, each list
// sorted by metric name.
func MetricsByComponent(snap *model.Snapshot) map[string][]MetricView {
	out := make(map[string][]MetricView)
	if snap == nil {
		return out
	}
	for key, sample := range snap.MetricsRaw {
		rate := snap.MetricsRates[key]
		out[sample.Component] = append(out[sample.Component], MetricView{
			Name:      sample.MetricName,
			RawValue:  sample.RawValue,
			Rate:      rate,
			NearZero:  rate.NearZero(),
			Timestamp: sample.Timestamp,
		})
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return out
}

// NonMessageLogs returns log entries not produced by the message logger.
func NonMessageLogs(snap *model.Snapshot) []model.LogEntry {
	return filterLogs(snap, func(e model.LogEntry) bool { return !e.IsMessage() })
}

// MessageLogs returns log entries produced by the message logger.
func MessageLogs(snap *model.Snapshot) []model.LogEntry {
	return filterLogs(snap, model.LogEntry.IsMessage)
}

// LogsAtLeast returns log entries at or above min.
func LogsAtLeast(snap *model.Snapshot, min model.Level) []model.LogEntry {
	return filterLogs(snap, func(e model.LogEntry) bool { return e.Level.AtLeast(min) })
}

// ComponentsByStatus groups health components by their status.
func ComponentsByStatus(snap *model.Snapshot) map[model.HealthStatus][]model.ComponentHealth {
	out := make(map[model.HealthStatus][]model.ComponentHealth)
	if snap == nil || snap.Health == nil {
		return out
	}
	for _, c := range snap.Health.Components {
		out[c.Status] = append(out[c.Status], c)
	}
	return out
}

func filterLogs(snap *model.Snapshot, keep func(model.LogEntry) bool) []model.LogEntry {
	out := []model.LogEntry{}
	if snap == nil {
		return out
	}
	for _, e := range snap.Logs {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Memo caches a derived view for the most recent snapshot pointer, so
// repeated reads of an unchanged snapshot do not recompute it.
type Memo[T any] struct {
	fn func(*model.Snapshot) T

	mu   sync.Mutex
	snap *model.Snapshot
	val  T
}

// NewMemo wraps fn.
func NewMemo[T any](fn func(*model.Snapshot) T) *Memo[T] {
	return &Memo[T]{fn: fn}
}

// Get returns fn(snap), reusing the previous result when snap is the same
// snapshot as last time.
func (m *Memo[T]) Get(snap *model.Snapshot) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap != nil && m.snap == snap {
		return m.val
	}
	m.val = m.fn(snap)
	m.snap = snap
	return m.val
}
