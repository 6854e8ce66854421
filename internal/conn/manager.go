package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinytelemetry/flowscope/internal/model"
)

// ErrSuperseded is returned by Connect when a later Connect or Disconnect
// replaced the attempt before it finished.
var ErrSuperseded = errors.New("conn: connection attempt superseded")

// Frame is one raw inbound message from the event stream.
type Frame struct {
	Data   []byte
	Binary bool
}

// Stream is an open event stream. ReadFrame blocks until the next frame
// arrives or the stream fails; Close unblocks it.
type Stream interface {
	ReadFrame() (Frame, error)
	Close() error
}

// Dialer opens event streams for a flow.
type Dialer interface {
	Dial(ctx context.Context, flowID string) (Stream, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithConnectTimeout bounds how long a single attempt may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type activeConn struct {
	stream Stream
	done   chan struct{}
}

// Manager owns the lifecycle of one live event stream at a time.
//
// Frames are handed to onFrame from a single goroutine per connection, in
// arrival order. onFrame must not call Connect or Disconnect. Status
// changes go to onState; they may be observed out of order, and Version
// identifies the latest.
type Manager struct {
	dialer  Dialer
	onFrame func(Frame)
	onState func(model.ConnectionStatus)
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	gen        uint64
	version    uint64
	flowID     string
	state      model.ConnectionState
	lastErr    string
	active     *activeConn
	dialCancel context.CancelFunc

	// held while a frame is delivered; Disconnect uses it as a barrier
	deliverMu sync.Mutex
}

// NewManager creates a disconnected Manager.
func NewManager(dialer Dialer, onFrame func(Frame), onState func(model.ConnectionStatus), opts ...Option) *Manager {
	m := &Manager{
		dialer:  dialer,
		onFrame: onFrame,
		onState: onState,
		timeout: model.DefaultConnectTimeout,
		logger:  slog.New(slog.DiscardHandler),
		state:   model.StateDisconnected,
	}
	if m.onFrame == nil {
		m.onFrame = func(Frame) {}
	}
	if m.onState == nil {
		m.onState = func(model.ConnectionStatus) {}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current connection status.
func (m *Manager) Status() model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Connect opens the event stream for flowID. It is a no-op when the manager
// is already connected or connecting to flowID, and tears down any stream
// for a different flow first. A ctx that is already done leaves the current
// stream untouched. It returns once the attempt has settled.
func (m *Manager) Connect(ctx context.Context, flowID string) error {
	if flowID == "" {
		return errors.New("conn: empty flow id")
	}

	m.mu.Lock()
	if m.flowID == flowID && (m.state == model.StateConnecting || m.state == model.StateConnected) {
		m.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}

	var notes []model.ConnectionStatus
	old, oldCancel := m.detachLocked()
	if m.state != model.StateDisconnected && m.flowID != flowID {
		notes = append(notes, m.transitionLocked(model.StateDisconnected, ""))
	}
	gen := m.gen
	m.flowID = flowID
	notes = append(notes, m.transitionLocked(model.StateConnecting, ""))

	dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
	m.dialCancel = cancel
	m.mu.Unlock()

	m.release(old, oldCancel)
	m.emit(notes...)
	m.logger.Info("connecting", "flow", flowID)

	stream, err := m.dial(dialCtx, flowID)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = fmt.Errorf("connect to flow %s timed out after %s", flowID, m.timeout)
		}
		if !m.fail(gen, err) {
			return ErrSuperseded
		}
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = stream.Close()
		return ErrSuperseded
	}
	ac := &activeConn{stream: stream, done: make(chan struct{})}
	m.active = ac
	m.dialCancel = nil
	st := m.transitionLocked(model.StateConnected, "")
	m.mu.Unlock()

	m.emit(st)
	m.logger.Info("connected", "flow", flowID)
	go m.readLoop(gen, ac)
	return nil
}

// Disconnect closes the current stream, if any. It is idempotent and
// returns only after the last frame of the closed stream was delivered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old, oldCancel := m.detachLocked()
	var notes []model.ConnectionStatus
	if m.state != model.StateDisconnected {
		notes = append(notes, m.transitionLocked(model.StateDisconnected, ""))
	}
	flowID := m.flowID
	m.mu.Unlock()

	m.release(old, oldCancel)
	if len(notes) > 0 {
		m.logger.Info("disconnected", "flow", flowID)
	}
	m.emit(notes...)
}

func (m *Manager) dial(ctx context.Context, flowID string) (Stream, error) {
	type result struct {
		stream Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := m.dialer.Dial(ctx, flowID)
		ch <- result{s, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if res.stream != nil {
				_ = res.stream.Close()
			}
			return nil, res.err
		}
		return res.stream, nil
	case <-ctx.Done():
		// The dialer ignored the deadline; drop whatever it returns later.
		go func() {
			if res := <-ch; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (m *Manager) readLoop(gen uint64, ac *activeConn) {
	defer close(ac.done)
	for {
		f, err := ac.stream.ReadFrame()
		if err != nil {
			m.fail(gen, err)
			return
		}

		m.deliverMu.Lock()
		m.mu.Lock()
		current := gen == m.gen
		m.mu.Unlock()
		if current {
			m.onFrame(f)
		}
		m.deliverMu.Unlock()
		if !current {
			return
		}
	}
}

// fail moves attempt gen to Errored. It reports false when gen is no
// longer current.
func (m *Manager) fail(gen uint64, err error) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	old, oldCancel := m.detachLocked()
	st := m.transitionLocked(model.StateErrored, err.Error())
	m.mu.Unlock()

	m.logger.Warn("event stream failed", "flow", st.FlowID, "error", err)
	if old != nil {
		// Called from the read loop itself; only close the handle.
		_ = old.stream.Close()
	}
	if oldCancel != nil {
		oldCancel()
	}
	m.emit(st)
	return true
}

// detachLocked invalidates the current generation and hands back what
// needs releasing.
func (m *Manager) detachLocked() (*activeConn, context.CancelFunc) {
	m.gen++
	old, cancel := m.active, m.dialCancel
	m.active, m.dialCancel = nil, nil
	return old, cancel
}

func (m *Manager) release(old *activeConn, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if old != nil {
		_ = old.stream.Close()
		<-old.done
	}
	m.deliverMu.Lock()
	m.deliverMu.Unlock() //nolint:staticcheck
}

func (m *Manager) transitionLocked(state model.ConnectionState, errMsg string) model.ConnectionStatus {
	m.version++
	m.state = state
	m.lastErr = errMsg
	return m.statusLocked()
}

func (m *Manager) statusLocked() model.ConnectionStatus {
	return model.ConnectionStatus{
		FlowID:  m.flowID,
		State:   m.state,
		Error:   m.lastErr,
		Version: m.version,
	}
}

func (m *Manager) emit(notes ...model.ConnectionStatus) {
	for _, st := range notes {
		m.onState(st)
	}
}
