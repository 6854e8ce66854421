package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/flowscope/internal/conn"
	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/logging"
	"github.com/tinytelemetry/flowscope/internal/metrics"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/session"
	"github.com/tinytelemetry/flowscope/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeController serves a real store and scripts LoadHistory.
type fakeController struct {
	*store.Store
	loadErr   error
	loadCalls atomic.Int32
}

func (f *fakeController) LoadHistory(ctx context.Context) error {
	f.loadCalls.Add(1)
	return f.loadErr
}

func newTestServer(t *testing.T) (*Server, *fakeController, http.Handler) {
	t.Helper()
	var n atomic.Int64
	st := store.New(store.Config{
		Logger: logging.Discard(),
		NewID:  func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
	})
	st.Reset("flow-1")
	ctrl := &fakeController{Store: st}

	registry, _ := metrics.NewRegistry()
	srv := NewServer("", ctrl, registry, logging.Discard())
	return srv, ctrl, srv.Handler()
}

func frame(format string, args ...any) conn.Frame {
	return conn.Frame{Data: []byte(fmt.Sprintf(format, args...))}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealthEndpoint(t *testing.T) {
	_, ctrl, h := newTestServer(t)
	ctrl.OnFrame(frame(`{"type":"health","overall":"degraded","components":[{"name":"src","type":"source","status":"error"}]}`))

	w := do(t, h, http.MethodGet, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "flow-1", body["flow_id"])
	assert.Equal(t, "disconnected", body["connection_state"])

	pipeline, ok := body["pipeline"].(map[string]any)
	require.True(t, ok, "pipeline missing: %v", body)
	assert.Equal(t, "degraded", pipeline["overall"])
	components := pipeline["components"].(map[string]any)
	assert.Len(t, components["error"], 1)
}

func TestSnapshotEndpoint(t *testing.T) {
	_, ctrl, h := newTestServer(t)
	ctrl.OnFrame(frame(`{"type":"log","timestamp":1,"level":"info","component":"svc","message":"hello"}`))

	w := do(t, h, http.MethodGet, "/api/snapshot")
	require.Equal(t, http.StatusOK, w.Code)

	var snap model.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "flow-1", snap.FlowID)
	require.Len(t, snap.Logs, 1)
	assert.Equal(t, "hello", snap.Logs[0].Message)
}

func TestLogsEndpointFilters(t *testing.T) {
	_, ctrl, h := newTestServer(t)
	ctrl.OnFrame(frame(`{"type":"log","timestamp":1,"level":"debug","component":"svc","message":"noise"}`))
	ctrl.OnFrame(frame(`{"type":"log","timestamp":2,"level":"error","component":"svc","message":"boom"}`))
	ctrl.OnFrame(frame(`{"type":"log","timestamp":3,"level":"warn","component":"message-logger","message":"trace","fields":{"traceId":"t1"}}`))

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all", "/api/logs", []string{"noise", "boom", "trace"}},
		{"min level", "/api/logs?min_level=warn", []string{"boom", "trace"}},
		{"exclude messages", "/api/logs?exclude_messages=true", []string{"noise", "boom"}},
		{"both", "/api/logs?min_level=WARNING&exclude_messages=1", []string{"boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.target)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var body struct {
				Logs  []model.LogEntry `json:"logs"`
				Count int              `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

			var got []string
			for _, e := range body.Logs {
				got = append(got, e.Message)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want), body.Count)
		})
	}
}

func TestLogsEndpointRejectsUnknownLevel(t *testing.T) {
	_, _, h := newTestServer(t)

	for _, lvl := range []string{"loud", "info%20warn"} {
		w := do(t, h, http.MethodGet, "/api/logs?min_level="+lvl)
		if w.Code != http.StatusBadRequest {
			t.Errorf("min_level=%s status = %d, want %d", lvl, w.Code, http.StatusBadRequest)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ctrl, h := newTestServer(t)
	ctrl.OnFrame(frame(`{"type":"metric","component":"src","metricName":"records","value":10,"timestamp":1000}`))
	ctrl.OnFrame(frame(`{"type":"metric","component":"src","metricName":"records","value":30,"timestamp":3000}`))

	w := do(t, h, http.MethodGet, "/api/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Components map[string][]store.MetricView `json:"components"`
		LastTS     int64                         `json:"last_metrics_timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	require.Len(t, body.Components["src"], 1)
	assert.Equal(t, int64(3000), body.LastTS)
}

func TestMessagesEndpoint(t *testing.T) {
	_, ctrl, h := newTestServer(t)
	ctrl.OnFrame(frame(`{"type":"log","timestamp":5,"component":"message-logger","message":"live","fields":{"traceId":"t1"}}`))
	require.NoError(t, ctrl.MergeHistory(ctrl.HistoryMark(), history.Page{
		Messages:   []model.Message{{ID: "h1", TraceID: "t0", Timestamp: 1, Summary: "old"}},
		Total:      7,
		NextCursor: "c2",
	}))

	w := do(t, h, http.MethodGet, "/api/messages")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Messages []model.Message `json:"messages"`
		Total    int             `json:"history_total"`
		Cursor   string          `json:"history_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "old", body.Messages[0].Summary)
	assert.Equal(t, "live", body.Messages[1].Summary)
	assert.Equal(t, 7, body.Total)
	assert.Equal(t, "c2", body.Cursor)
}

func TestClearLogsEndpoint(t *testing.T) {
	_, ctrl, h := newTestServer(t)
	ctrl.OnFrame(frame(`{"type":"log","timestamp":1,"level":"info","component":"svc","message":"a"}`))

	w := do(t, h, http.MethodPost, "/api/logs/clear")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ctrl.Snapshot().Logs)

	w = do(t, h, http.MethodGet, "/api/logs/clear")
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("clear GET status = %d, want 405 or 404", w.Code)
	}
}

func TestLoadHistoryEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"exhausted", session.ErrHistoryExhausted, http.StatusConflict, ""},
		{"no flow", session.ErrNoFlow, http.StatusConflict, ""},
		{"cleared during fetch", store.ErrStaleHistory, http.StatusConflict, ""},
		{"closed", session.ErrClosed, http.StatusServiceUnavailable, ""},
		{"not found", &history.FetchError{Kind: model.HistoryNotFound, Status: 404, Err: history.ErrNotFound}, http.StatusBadGateway, "not-found"},
		{"unclassified", errors.New("socket hang up"), http.StatusBadGateway, "network-error"},
		{"cancelled", context.Canceled, http.StatusGatewayTimeout, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ctrl, h := newTestServer(t)
			ctrl.loadErr = tt.err

			w := do(t, h, http.MethodPost, "/api/history/load")
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, int32(1), ctrl.loadCalls.Load())

			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, decode(t, w)["kind"])
			}
		})
	}
}

func TestDismissHistoryErrorEndpoint(t *testing.T) {
	_, ctrl, h := newTestServer(t)
	require.NoError(t, ctrl.SetHistoryError(ctrl.HistoryMark(), model.HistoryError{Kind: model.HistoryServerError, Message: "502"}))
	require.NotNil(t, ctrl.Snapshot().HistoryError)

	w := do(t, h, http.MethodDelete, "/api/history/error")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, ctrl.Snapshot().HistoryError)
}

func TestPrometheusEndpoint(t *testing.T) {
	_, _, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestPrometheusEndpointDisabled(t *testing.T) {
	_, ctrl, _ := newTestServer(t)
	h := NewServer("", ctrl, nil, logging.Discard()).Handler()

	w := do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimPrefix(line, "data:")
		case line == "" && ev.name != "":
			return ev
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ev
}

func openStream(t *testing.T, srv *Server) *bufio.Scanner {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return sc
}

func TestStreamDeliversSnapshots(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	sc := openStream(t, srv)

	first := readEvent(t, sc)
	require.Equal(t, "snapshot", first.name)

	ctrl.OnFrame(frame(`{"type":"log","timestamp":1,"level":"info","component":"svc","message":"streamed"}`))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev := readEvent(t, sc)
		if ev.name != "snapshot" {
			continue
		}
		var snap model.Snapshot
		require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
		if len(snap.Logs) == 1 && snap.Logs[0].Message == "streamed" {
			return
		}
	}
	t.Fatal("streamed log never arrived")
}

func TestStreamHeartbeat(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.heartbeat = 20 * time.Millisecond
	sc := openStream(t, srv)

	require.Equal(t, "snapshot", readEvent(t, sc).name)
	assert.Equal(t, "heartbeat", readEvent(t, sc).name)
}

func TestStartStop(t *testing.T) {
	_, ctrl, _ := newTestServer(t)
	srv := NewServer("127.0.0.1:0", ctrl, nil, logging.Discard())

	require.NoError(t, srv.Start())
	assert.NoError(t, srv.Stop())
}
