package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Fields is the open metadata map carried by log entries and messages.
// Values are JSON scalars (string, float64, bool) or nested JSON values passed through opaquely.
type Fields map[string]any

// String returns the value for key rendered as a string. Numbers and booleans
// are formatted; nested values and missing keys report ok=false.
func (f Fields) String(key string) (string, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32, int16, int8, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// FirstString returns the first key present as a string.
func (f Fields) FirstString(keys ...string) string {
	for _, k := range keys {
		if s, ok := f.String(k); ok && s != "" {
			return s
		}
	}
	return ""
}

// Clone returns a shallow copy, or nil for an empty map.
func (f Fields) Clone() Fields {
	if len(f) == 0 {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// LogEntry is one ingested log line. It is immutable once created.
type LogEntry struct {
	ID        string `json:"id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"` // unix ms
	Level     Level  `json:"level"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

// IsMessage reports whether the entry belongs to the message-trace stream.
func (e LogEntry) IsMessage() bool { return e.Source == MessageLoggerSource }

// MetricSample is the latest raw observation for one component metric.
type MetricSample struct {
	Component  string  `json:"component"`
	MetricName string  `json:"metricName"`
	RawValue   float64 `json:"rawValue"`
	Timestamp  int64   `json:"timestamp"` // unix ms
}

// Key returns the composite metric key "component:metricName".
func (m MetricSample) Key() string { return MetricKey(m.Component, m.MetricName) }

// MetricKey builds the composite key for a component metric.
func MetricKey(component, metricName string) string {
	return component + ":" + metricName
}

// Rate is a per-second rate that may not be computable yet.
type Rate struct {
	PerSecond float64
	Known     bool
}

// UnknownRate is the rate of a key with fewer than two comparable samples.
func UnknownRate() Rate { return Rate{} }

// KnownRate wraps a computed rate.
func KnownRate(v float64) Rate { return Rate{PerSecond: v, Known: true} }

// NearZero reports a known rate below NearZeroRate. The stored value is not rounded.
func (r Rate) NearZero() bool { return r.Known && r.PerSecond < NearZeroRate }

func (r Rate) MarshalJSON() ([]byte, error) {
	if !r.Known {
		return []byte("null"), nil
	}
	return json.Marshal(r.PerSecond)
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Rate{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = KnownRate(v)
	return nil
}

// RateState is the per-key baseline kept by the rate calculator.
type RateState struct {
	PreviousRawValue  float64
	PreviousTimestamp int64
	CurrentRate       Rate
}

// HealthStatus is the overall or per-component health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthError    HealthStatus = "error"
)

// ComponentHealth is the health of one pipeline component.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthSnapshot is replaced wholesale on every health frame.
type HealthSnapshot struct {
	Overall    HealthStatus      `json:"overall"`
	Components []ComponentHealth `json:"components"`
}

// MessageOrigin records which history a message came from.
type MessageOrigin string

const (
	OriginLive       MessageOrigin = "live"
	OriginHistorical MessageOrigin = "historical"
)

// Message is the message-trace view shared by live and historical entries.
type Message struct {
	ID        string        `json:"id"`
	TraceID   string        `json:"traceId,omitempty"`
	Timestamp int64         `json:"timestamp"` // unix ms
	Subject   string        `json:"subject"`
	Direction string        `json:"direction"`
	Component string        `json:"component"`
	Summary   string        `json:"summary"`
	Origin    MessageOrigin `json:"origin"`
	Seq       uint64        `json:"seq"`
	Fields    Fields        `json:"fields,omitempty"`
}

// HistoryErrorKind classifies a failed historical fetch.
type HistoryErrorKind string

const (
	HistoryNotFound     HistoryErrorKind = "not-found"
	HistoryServerError  HistoryErrorKind = "server-error"
	HistoryNetworkError HistoryErrorKind = "network-error"
)

// HistoryError is the dismissible error of the history failure domain.
type HistoryError struct {
	Kind    HistoryErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// Snapshot is an immutable, fully materialized view of the aggregate store.
// Consumers must treat every slice and map in it as read-only.
type Snapshot struct {
	Version              uint64                  `json:"version"`
	FlowID               string                  `json:"flowId"`
	ConnectionState      ConnectionState         `json:"connectionState"`
	Error                string                  `json:"error,omitempty"`
	Health               *HealthSnapshot         `json:"health"`
	Logs                 []LogEntry              `json:"logs"`
	MetricsRaw           map[string]MetricSample `json:"metricsRaw"`
	MetricsRates         map[string]Rate         `json:"metricsRates"`
	LastMetricsTimestamp int64                   `json:"lastMetricsTimestamp"`
	Messages             []Message               `json:"messages"`
	HistoryError         *HistoryError           `json:"historyError,omitempty"`
	HistoryTotal         int                     `json:"historyTotal"`
	HistoryCursor        string                  `json:"historyCursor,omitempty"`
	DroppedFrames        uint64                  `json:"droppedFrames"`
}
