// Package metrics exposes flowscope's own ingestion diagnostics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tinytelemetry/flowscope/internal/model"
)

// Recorder receives diagnostics events from the store, session and
// history client.
type Recorder interface {
	FrameReceived(kind string)
	FrameDropped(reason string)
	LogsEvicted(n int)
	CounterReset()
	StaleSample()
	ConnectionState(state model.ConnectionState)
	ReconnectScheduled()
	HistoryFetch(result string, d time.Duration)
	Subscribers(n int)
}

// Noop discards every event.
type Noop struct{}

func (Noop) FrameReceived(string)                  {}
func (Noop) FrameDropped(string)                   {}
func (Noop) LogsEvicted(int)                       {}
func (Noop) CounterReset()                         {}
func (Noop) StaleSample()                          {}
func (Noop) ConnectionState(model.ConnectionState) {}
func (Noop) ReconnectScheduled()                   {}
func (Noop) HistoryFetch(string, time.Duration)    {}
func (Noop) Subscribers(int)                       {}

var connectionStates = []model.ConnectionState{
	model.StateDisconnected,
	model.StateConnecting,
	model.StateConnected,
	model.StateErrored,
}

// Prometheus records diagnostics as Prometheus collectors.
type Prometheus struct {
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	logsEvicted    prometheus.Counter
	counterResets  prometheus.Counter
	staleSamples   prometheus.Counter
	connState      *prometheus.GaugeVec
	reconnects     prometheus.Counter
	historyFetches *prometheus.HistogramVec
	subscribers    prometheus.Gauge
}

// NewPrometheus registers the flowscope collectors with registry.
func NewPrometheus(registry prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowscope_frames_received_total",
				Help: "Frames decoded from the live event stream, by type",
			},
			[]string{"type"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowscope_frames_dropped_total",
				Help: "Frames dropped because they could not be decoded",
			},
			[]string{"reason"},
		),
		logsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowscope_logs_evicted_total",
			Help: "Log entries evicted from the bounded buffer",
		}),
		counterResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowscope_metric_counter_resets_total",
			Help: "Metric samples treated as counter resets",
		}),
		staleSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowscope_metric_stale_samples_total",
			Help: "Metric samples ignored as duplicate or out of order",
		}),
		connState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowscope_connection_state",
				Help: "Current connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowscope_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after stream errors",
		}),
		historyFetches: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowscope_history_fetch_seconds",
				Help:    "Historical message page fetch latency, by result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowscope_snapshot_subscribers",
			Help: "Registered snapshot subscribers",
		}),
	}

	registry.MustRegister(
		p.framesReceived,
		p.framesDropped,
		p.logsEvicted,
		p.counterResets,
		p.staleSamples,
		p.connState,
		p.reconnects,
		p.historyFetches,
		p.subscribers,
	)
	p.ConnectionState(model.StateDisconnected)
	return p
}

// NewRegistry returns a registry with the flowscope collectors plus the Go
// runtime and process collectors.
func NewRegistry() (*prometheus.Registry, *Prometheus) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, NewPrometheus(reg)
}

func (p *Prometheus) FrameReceived(kind string) { p.framesReceived.WithLabelValues(kind).Inc() }

func (p *Prometheus) FrameDropped(reason string) { p.framesDropped.WithLabelValues(reason).Inc() }

func (p *Prometheus) LogsEvicted(n int) {
	if n > 0 {
		p.logsEvicted.Add(float64(n))
	}
}

func (p *Prometheus) CounterReset() { p.counterResets.Inc() }

func (p *Prometheus) StaleSample() { p.staleSamples.Inc() }

func (p *Prometheus) ConnectionState(state model.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.connState.WithLabelValues(s.String()).Set(v)
	}
}

func (p *Prometheus) ReconnectScheduled() { p.reconnects.Inc() }

func (p *Prometheus) HistoryFetch(result string, d time.Duration) {
	p.historyFetches.WithLabelValues(result).Observe(d.Seconds())
}

func (p *Prometheus) Subscribers(n int) { p.subscribers.Set(float64(n)) }
