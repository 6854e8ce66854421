package ingest

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tinytelemetry/flowscope/internal/logparse"
	"github.com/tinytelemetry/flowscope/internal/model"
)

// Kind identifies the type of a decoded frame.
type Kind int

const (
	KindLog Kind = iota + 1
	KindMetric
	KindHealth
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindMetric:
		return "metric"
	case KindHealth:
		return "health"
	default:
		return "unknown"
	}
}

// Record is one decoded frame. Exactly one of Log, Metric or Health is
// meaningful, as selected by Kind. Log entries carry no ID or Seq yet.
type Record struct {
	Kind   Kind
	Log    model.LogEntry
	Metric model.MetricSample
	Health model.HealthSnapshot
}

// Decoder turns raw frames into records.
type Decoder struct {
	// Now supplies the receive time for frames without a timestamp.
	Now func() time.Time
}

// NewDecoder returns a Decoder using the wall clock.
func NewDecoder() *Decoder {
	return &Decoder{Now: time.Now}
}

// Decode parses data as msgpack when binary is set and as JSON otherwise.
// Errors are always *DecodeError.
func (d *Decoder) Decode(data []byte, binary bool) (Record, error) {
	raw, err := decodeObject(data, binary)
	if err != nil {
		return Record{}, err
	}
	return d.FromMap(raw)
}

// FromMap interprets an already decoded frame object.
func (d *Decoder) FromMap(raw map[string]any) (Record, error) {
	typ := strings.ToLower(ExtractStringField(raw, "type"))
	switch typ {
	case "log":
		return d.logRecord(raw)
	case "metric":
		return d.metricRecord(raw)
	case "health":
		return healthRecord(raw)
	case "":
		return Record{}, missing("type")
	default:
		return Record{}, &DecodeError{Reason: ReasonUnknownType, Detail: typ}
	}
}

func decodeObject(data []byte, binary bool) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, malformed(errEmptyFrame)
	}

	var v any
	if binary {
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return nil, malformed(err)
		}
	} else {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, malformed(err)
		}
	}

	raw, ok := ToMap(v)
	if !ok {
		return nil, &DecodeError{Reason: ReasonMalformed, Detail: "frame is not an object"}
	}
	return raw, nil
}

func (d *Decoder) logRecord(raw map[string]any) (Record, error) {
	entry := model.LogEntry{
		Timestamp: d.timestamp(raw),
		Level:     d.level(raw),
		Source:    ExtractStringField(raw, "component", "source"),
		Message:   ExtractStringField(raw, "message", "msg"),
	}
	if entry.Source == "" {
		entry.Source = "unknown"
	}
	if fields, ok := ToMap(raw["fields"]); ok && len(fields) > 0 {
		entry.Fields = normalizeFields(fields).(map[string]any)
	}
	return Record{Kind: KindLog, Log: entry}, nil
}

func (d *Decoder) level(raw map[string]any) model.Level {
	v, ok := raw["level"]
	if !ok {
		if lvl, found := logparse.ExtractLevelFromText(ExtractStringField(raw, "message", "msg")); found {
			return lvl
		}
		return model.LevelInfo
	}
	if _, isString := v.(string); !isString {
		if n, ok := toFloat(v); ok {
			return logparse.LevelFromNumber(int(n))
		}
	}
	return logparse.ParseLevel(stringifyValue(v))
}

func (d *Decoder) metricRecord(raw map[string]any) (Record, error) {
	component := ExtractStringField(raw, "component", "source")
	if component == "" {
		return Record{}, missing("component")
	}
	name := ExtractStringField(raw, "metricName", "metric_name", "name")
	if name == "" {
		return Record{}, missing("metricName")
	}
	rawValue, ok := raw["value"]
	if !ok {
		return Record{}, missing("value")
	}
	value, ok := toFloat(rawValue)
	if !ok {
		return Record{}, invalid("value", rawValue)
	}
	return Record{
		Kind: KindMetric,
		Metric: model.MetricSample{
			Component:  component,
			MetricName: name,
			RawValue:   value,
			Timestamp:  d.timestamp(raw),
		},
	}, nil
}

func healthRecord(raw map[string]any) (Record, error) {
	overallRaw := ExtractStringField(raw, "overall", "status")
	if overallRaw == "" {
		return Record{}, missing("overall")
	}
	overall, ok := ParseHealthStatus(overallRaw)
	if !ok {
		return Record{}, invalid("overall", overallRaw)
	}

	snap := model.HealthSnapshot{Overall: overall, Components: []model.ComponentHealth{}}
	if list, ok := raw["components"].([]any); ok {
		for _, item := range list {
			c, ok := ToMap(item)
			if !ok {
				continue
			}
			name := ExtractStringField(c, "name", "component")
			if name == "" {
				continue
			}
			statusRaw := ExtractStringField(c, "status")
			status, ok := ParseHealthStatus(statusRaw)
			if !ok {
				return Record{}, invalid("components."+name+".status", statusRaw)
			}
			snap.Components = append(snap.Components, model.ComponentHealth{
				Name:    name,
				Type:    ExtractStringField(c, "type"),
				Status:  status,
				Message: ExtractStringField(c, "message"),
			})
		}
	}
	return Record{Kind: KindHealth, Health: snap}, nil
}

// ParseHealthStatus maps a health string onto the three known statuses.
func ParseHealthStatus(s string) (model.HealthStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy", "ok", "up":
		return model.HealthHealthy, true
	case "degraded", "warning", "warn":
		return model.HealthDegraded, true
	case "error", "unhealthy", "down", "failed":
		return model.HealthError, true
	default:
		return "", false
	}
}

func (d *Decoder) timestamp(raw map[string]any) int64 {
	if v, ok := raw["timestamp"]; ok {
		if ts, ok := ParseTimestampMillis(v); ok {
			return ts
		}
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().UnixMilli()
}
