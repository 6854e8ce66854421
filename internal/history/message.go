// Package history fetches historical message pages and reconciles them
// with messages seen on the live stream.
package history

import (
	"strconv"

	"github.com/tinytelemetry/flowscope/internal/ingest"
	"github.com/tinytelemetry/flowscope/internal/model"
)

// Page is one decoded page of historical messages.
type Page struct {
	Messages   []model.Message
	Total      int
	NextCursor string
	// Skipped counts entries that were not objects or had no usable timestamp.
	Skipped int
}

var (
	traceKeys   = []string{"traceId", "trace_id"}
	summaryKeys = []string{"summary", "message"}
	reserved    = map[string]struct{}{
		"id": {}, "timestamp": {}, "traceId": {}, "trace_id": {}, "subject": {},
		"direction": {}, "component": {}, "summary": {}, "message": {},
	}
)

// Key returns the deduplication key of m: trace id plus timestamp when a
// trace id is present, otherwise the message id. An empty key never
// collides with anything.
func Key(m model.Message) string {
	if m.TraceID != "" {
		return m.TraceID + ":" + strconv.FormatInt(m.Timestamp, 10)
	}
	return m.ID
}

// LiveMessage reinterprets a message-logger entry as a Message.
func LiveMessage(e model.LogEntry) model.Message {
	summary := e.Fields.FirstString("summary")
	if summary == "" {
		summary = e.Message
	}
	return model.Message{
		ID:        e.ID,
		TraceID:   e.Fields.FirstString(traceKeys...),
		Timestamp: e.Timestamp,
		Subject:   e.Fields.FirstString("subject"),
		Direction: e.Fields.FirstString("direction"),
		Component: e.Fields.FirstString("component"),
		Summary:   summary,
		Origin:    model.OriginLive,
		Seq:       e.Seq,
		Fields:    e.Fields,
	}
}

// LiveMessages extracts the message view from a log snapshot.
func LiveMessages(logs []model.LogEntry) []model.Message {
	var out []model.Message
	for _, e := range logs {
		if e.IsMessage() {
			out = append(out, LiveMessage(e))
		}
	}
	return out
}

// Normalize converts one flat historical message object. It reports false
// when the object has no usable timestamp.
func Normalize(raw map[string]any) (model.Message, bool) {
	tsRaw, ok := raw["timestamp"]
	if !ok {
		return model.Message{}, false
	}
	ts, ok := ingest.ParseTimestampMillis(tsRaw)
	if !ok {
		return model.Message{}, false
	}

	m := model.Message{
		ID:        ingest.ExtractStringField(raw, "id"),
		TraceID:   ingest.ExtractStringField(raw, traceKeys...),
		Timestamp: ts,
		Subject:   ingest.ExtractStringField(raw, "subject"),
		Direction: ingest.ExtractStringField(raw, "direction"),
		Component: ingest.ExtractStringField(raw, "component"),
		Summary:   ingest.ExtractStringField(raw, summaryKeys...),
		Origin:    model.OriginHistorical,
	}
	for k, v := range raw {
		if _, skip := reserved[k]; skip {
			continue
		}
		if m.Fields == nil {
			m.Fields = model.Fields{}
		}
		m.Fields[k] = v
	}
	return m, true
}
