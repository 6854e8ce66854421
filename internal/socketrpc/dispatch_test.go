package socketrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tinytelemetry/flowscope/internal/conn"
	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/logging"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/store"
)

// stubController drives a real store and records session calls.
type stubController struct {
	*store.Store

	mu       sync.Mutex
	opened   []string
	disconns int
	loadErr  error
	openErr  error
}

func (c *stubController) Open(ctx context.Context, flowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opened = append(c.opened, flowID)
	c.Store.Reset(flowID)
	return nil
}

func (c *stubController) Disconnect() {
	c.mu.Lock()
	c.disconns++
	c.mu.Unlock()
}

func (c *stubController) LoadHistory(ctx context.Context) error {
	if c.loadErr != nil {
		return c.loadErr
	}
	return c.Store.MergeHistory(c.Store.HistoryMark(), history.Page{
		Messages:   []model.Message{{ID: "h1", Timestamp: 1, Summary: "older"}},
		Total:      3,
		NextCursor: "next",
	})
}

func newStubController() *stubController {
	var n int
	st := store.New(store.Config{
		Logger: logging.Discard(),
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	st.Reset("flow-1")
	st.OnFrame(conn.Frame{Data: []byte(`{"type":"log","timestamp":1,"level":"debug","component":"svc","message":"noise"}`)})
	st.OnFrame(conn.Frame{Data: []byte(`{"type":"log","timestamp":2,"level":"error","component":"svc","message":"boom"}`)})
	st.OnFrame(conn.Frame{Data: []byte(`{"type":"log","timestamp":3,"level":"warn","component":"message-logger","message":"sent","fields":{"traceId":"t1"}}`)})
	st.OnFrame(conn.Frame{Data: []byte(`{"type":"metric","component":"src","metricName":"records","value":5,"timestamp":1000}`)})
	return &stubController{Store: st}
}

func newTestDispatcher() (*Server, *stubController) {
	ctrl := newStubController()
	return NewServer("", ctrl, logging.Discard()), ctrl
}

func call(t *testing.T, srv *Server, method, params string) Response {
	t.Helper()
	req := Request{JSONRPC: "2.0", ID: 1, Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return srv.dispatch(req)
}

func TestDispatch_AllMethods(t *testing.T) {
	tests := []struct {
		method string
		params string
	}{
		{"Snapshot", ``},
		{"Status", `{}`},
		{"Logs", `{"MinLevel":"warn","Limit":10}`},
		{"Metrics", ``},
		{"Messages", ``},
		{"ClearLogs", ``},
		{"LoadHistory", ``},
		{"DismissHistoryError", ``},
		{"Connect", `{"FlowID":"flow-2"}`},
		{"Disconnect", ``},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			srv, _ := newTestDispatcher()
			resp := call(t, srv, tt.method, tt.params)
			if resp.Error != nil {
				t.Fatalf("dispatch(%s) error: %s", tt.method, resp.Error.Message)
			}
			if resp.Result == nil {
				t.Fatalf("dispatch(%s) returned nil result", tt.method)
			}
			if resp.JSONRPC != "2.0" {
				t.Errorf("JSONRPC = %q, want 2.0", resp.JSONRPC)
			}
			if resp.ID != 1 {
				t.Errorf("ID = %d, want 1", resp.ID)
			}
		})
	}
}

func TestDispatch_LogsFilters(t *testing.T) {
	srv, _ := newTestDispatcher()

	tests := []struct {
		params string
		want   []string
	}{
		{``, []string{"noise", "boom", "sent"}},
		{`null`, []string{"noise", "boom", "sent"}},
		{`{"MinLevel":"warn"}`, []string{"boom", "sent"}},
		{`{"ExcludeMessages":true}`, []string{"noise", "boom"}},
		{`{"Limit":1}`, []string{"sent"}},
		{`{"MinLevel":"error","ExcludeMessages":true,"Limit":5}`, []string{"boom"}},
	}

	for _, tt := range tests {
		resp := call(t, srv, "Logs", tt.params)
		if resp.Error != nil {
			t.Fatalf("Logs(%s) error: %s", tt.params, resp.Error.Message)
		}
		var logs []model.LogEntry
		if err := json.Unmarshal(resp.Result, &logs); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		var got []string
		for _, e := range logs {
			got = append(got, e.Message)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Logs(%s) = %v, want %v", tt.params, got, tt.want)
		}
	}
}

func TestDispatch_MethodNotFound(t *testing.T) {
	srv, _ := newTestDispatcher()

	resp := call(t, srv, "NonExistentMethod", `{}`)
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != codeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeMethodNotFound)
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	srv, _ := newTestDispatcher()

	tests := []struct {
		method string
		params string
	}{
		{"Logs", `not json`},
		{"Logs", `{"MinLevel":"loud"}`},
		{"Connect", `{}`},
		{"Connect", ``},
	}
	for _, tt := range tests {
		resp := call(t, srv, tt.method, tt.params)
		if resp.Error == nil {
			t.Fatalf("%s(%s): expected error", tt.method, tt.params)
		}
		if resp.Error.Code != codeInvalidParams {
			t.Errorf("%s(%s) code = %d, want %d", tt.method, tt.params, resp.Error.Code, codeInvalidParams)
		}
	}
}

func TestDispatch_ConnectOpensFlow(t *testing.T) {
	srv, ctrl := newTestDispatcher()

	resp := call(t, srv, "Connect", `{"FlowID":"flow-2"}`)
	if resp.Error != nil {
		t.Fatalf("Connect: %s", resp.Error.Message)
	}
	var status StatusResult
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.FlowID != "flow-2" {
		t.Fatalf("flow = %q, want flow-2", status.FlowID)
	}
	if len(ctrl.opened) != 1 || ctrl.opened[0] != "flow-2" {
		t.Fatalf("opened = %v", ctrl.opened)
	}

	call(t, srv, "Disconnect", ``)
	if ctrl.disconns != 1 {
		t.Fatalf("disconnects = %d, want 1", ctrl.disconns)
	}
}

func TestDispatch_ApplicationErrors(t *testing.T) {
	srv, ctrl := newTestDispatcher()

	ctrl.openErr = errors.New("session closed")
	resp := call(t, srv, "Connect", `{"FlowID":"x"}`)
	if resp.Error == nil || resp.Error.Code != codeAppError {
		t.Fatalf("Connect error = %+v, want code %d", resp.Error, codeAppError)
	}

	ctrl.loadErr = &history.FetchError{Kind: model.HistoryNotFound, Status: 404, Err: history.ErrNotFound}
	resp = call(t, srv, "LoadHistory", ``)
	if resp.Error == nil || resp.Error.Code != codeHistoryError {
		t.Fatalf("LoadHistory error = %+v, want code %d", resp.Error, codeHistoryError)
	}
	if !strings.HasPrefix(resp.Error.Message, "not-found") {
		t.Errorf("message = %q, want not-found prefix", resp.Error.Message)
	}
}

func TestDispatch_ClearLogs(t *testing.T) {
	srv, ctrl := newTestDispatcher()

	if resp := call(t, srv, "ClearLogs", ``); resp.Error != nil {
		t.Fatalf("ClearLogs: %s", resp.Error.Message)
	}
	if n := len(ctrl.Snapshot().Logs); n != 0 {
		t.Fatalf("logs after clear = %d, want 0", n)
	}
	if len(ctrl.Snapshot().MetricsRaw) != 1 {
		t.Fatal("metrics should survive ClearLogs")
	}
}

func TestDispatch_PreservesRequestID(t *testing.T) {
	srv, _ := newTestDispatcher()

	for _, id := range []int{0, 1, 42, 9999} {
		resp := srv.dispatch(Request{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "Status",
		})
		if resp.ID != id {
			t.Errorf("request ID %d: response ID = %d", id, resp.ID)
		}
	}
}
