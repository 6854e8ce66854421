package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinytelemetry/flowscope/internal/model"
)

// Connector opens the live stream for a flow. The connection manager
// satisfies it.
type Connector interface {
	Connect(ctx context.Context, flowID string) error
}

// Policy controls when reconnect attempts are made.
type Policy struct {
	Backoff BackoffConfig
	// MinInterval is the smallest gap allowed between two attempts.
	MinInterval time.Duration
	// StableAfter is how long a connection must stay up before the
	// backoff sequence starts over.
	StableAfter time.Duration
}

// DefaultPolicy returns the reconnect defaults.
func DefaultPolicy() Policy {
	return Policy{
		Backoff:     DefaultBackoffConfig(),
		MinInterval: 250 * time.Millisecond,
		StableAfter: 30 * time.Second,
	}
}

// Option configures a Reconnector.
type Option func(*Reconnector)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Reconnector) { r.clock = c }
}

// WithLogger sets the logger for scheduling decisions.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconnector) { r.logger = l }
}

// WithSeed fixes the jitter sequence.
func WithSeed(seed int64) Option {
	return func(r *Reconnector) { r.seed = seed }
}

// WithScheduleHook registers fn to run whenever a retry is scheduled. fn
// runs with the reconnector locked and must not call back into it.
func WithScheduleHook(fn func(flowID string, attempt int, delay time.Duration)) Option {
	return func(r *Reconnector) { r.onSchedule = fn }
}

// Reconnector schedules Connect calls after the tracked flow's stream
// errors. It is driven entirely by Observe; it never polls.
type Reconnector struct {
	conn   Connector
	policy Policy
	clock  Clock
	logger *slog.Logger
	seed   int64

	onSchedule func(flowID string, attempt int, delay time.Duration)

	mu          sync.Mutex
	backoff     *Backoff
	ctx         context.Context
	flowID      string
	lastVersion uint64
	connectedAt time.Time
	lastAttempt time.Time
	timer       Timer
	timerGen    uint64
	stopped     bool
}

// NewReconnector creates a Reconnector that calls conn.Connect.
func NewReconnector(conn Connector, policy Policy, opts ...Option) *Reconnector {
	r := &Reconnector{
		conn:   conn,
		policy: policy,
		clock:  RealClock(),
		logger: slog.New(slog.DiscardHandler),
		seed:   time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy.MinInterval < 0 {
		r.policy.MinInterval = 0
	}
	r.backoff = NewBackoff(r.seed, r.policy.Backoff)
	return r
}

// Track makes flowID the flow to keep connected. Attempts run under ctx.
// Any retry pending for a previous flow is cancelled and backoff restarts.
func (r *Reconnector) Track(ctx context.Context, flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelTimerLocked()
	r.ctx = ctx
	r.flowID = flowID
	r.lastVersion = 0
	r.connectedAt = time.Time{}
	r.lastAttempt = time.Time{}
	r.backoff.Reset()
	r.stopped = false
}

// Observe feeds one connection status transition into the policy.
// Statuses for other flows and stale versions are ignored.
func (r *Reconnector) Observe(status model.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.ctx == nil || status.FlowID != r.flowID {
		return
	}
	if status.Version <= r.lastVersion {
		return
	}
	r.lastVersion = status.Version
	now := r.clock.Now()

	switch status.State {
	case model.StateConnecting:
		r.lastAttempt = now
	case model.StateConnected:
		r.connectedAt = now
	case model.StateDisconnected:
		r.cancelTimerLocked()
		r.connectedAt = time.Time{}
	case model.StateErrored:
		if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) >= r.policy.StableAfter {
			r.backoff.Reset()
		}
		r.connectedAt = time.Time{}
		r.scheduleLocked(now, status.Error)
	}
}

// Stop cancels any pending attempt. Later statuses are ignored until the
// next Track.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cancelTimerLocked()
}

// Attempts returns how many retries have been scheduled since the last
// backoff reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff.Attempts()
}

// Pending reports whether a retry is scheduled.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Reconnector) scheduleLocked(now time.Time, reason string) {
	if r.timer != nil {
		return
	}
	delay := r.backoff.Next()
	if !r.lastAttempt.IsZero() {
		if earliest := r.lastAttempt.Add(r.policy.MinInterval); now.Add(delay).Before(earliest) {
			delay = earliest.Sub(now)
		}
	}

	r.timerGen++
	gen := r.timerGen
	ctx, flowID := r.ctx, r.flowID
	r.logger.Info("scheduling reconnect",
		"flow", flowID,
		"attempt", r.backoff.Attempts(),
		"delay", delay,
		"reason", reason,
	)
	if r.onSchedule != nil {
		r.onSchedule(flowID, r.backoff.Attempts(), delay)
	}
	r.timer = r.clock.AfterFunc(delay, func() { r.fire(ctx, flowID, gen) })
}

func (r *Reconnector) fire(ctx context.Context, flowID string, gen uint64) {
	r.mu.Lock()
	if r.stopped || gen != r.timerGen || flowID != r.flowID {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.lastAttempt = r.clock.Now()
	r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := r.conn.Connect(ctx, flowID); err != nil {
		r.logger.Debug("reconnect attempt returned", "flow", flowID, "error", err)
	}
}

func (r *Reconnector) cancelTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}
