package conn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// DefaultMaxLineSize caps one newline-delimited frame.
const DefaultMaxLineSize = 1024 * 1024

// ErrInputConsumed is returned when a LineDialer is dialed a second time.
var ErrInputConsumed = errors.New("conn: line input already consumed")

// LineDialer replays newline-delimited JSON frames from a reader, such as
// stdin, instead of a live backend. The flow id is not interpreted. Once the
// input is drained the stream stays open and idle until closed, so the last
// state remains inspectable.
type LineDialer struct {
	r       io.Reader
	maxLine int
	logger  *slog.Logger

	mu   sync.Mutex
	used bool
}

// NewLineDialer returns a dialer over r.
func NewLineDialer(r io.Reader, logger *slog.Logger) *LineDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineDialer{r: r, maxLine: DefaultMaxLineSize, logger: logger}
}

func (d *LineDialer) Dial(_ context.Context, flowID string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used {
		return nil, ErrInputConsumed
	}
	d.used = true

	s := &lineStream{
		lines: make(chan []byte),
		done:  make(chan struct{}),
	}
	go s.scan(d.r, d.maxLine, d.logger.With("flow", flowID))
	return s, nil
}

type lineStream struct {
	lines     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// written before lines is closed
	err error
}

func (s *lineStream) scan(r io.Reader, maxLine int, logger *slog.Logger) {
	defer close(s.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case s.lines <- bytes.Clone(line):
			n++
		case <-s.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.err = err
		return
	}
	logger.Info("line input drained", "frames", n)
}

func (s *lineStream) ReadFrame() (Frame, error) {
	select {
	case data, ok := <-s.lines:
		if ok {
			return Frame{Data: data}, nil
		}
		if s.err != nil {
			return Frame{}, s.err
		}
	case <-s.done:
		return Frame{}, net.ErrClosed
	}
	<-s.done
	return Frame{}, net.ErrClosed
}

func (s *lineStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
