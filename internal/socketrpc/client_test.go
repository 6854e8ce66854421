package socketrpc_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/flowscope/internal/conn"
	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/logging"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/socketrpc"
	"github.com/tinytelemetry/flowscope/internal/store"
)

// mockSession is a minimal Controller for roundtrip testing.
type mockSession struct {
	*store.Store
}

func (m *mockSession) Open(ctx context.Context, flowID string) error {
	m.Reset(flowID)
	return nil
}

func (m *mockSession) Disconnect() {}

func (m *mockSession) LoadHistory(ctx context.Context) error {
	return m.MergeHistory(m.HistoryMark(), history.Page{
		Messages: []model.Message{{ID: "h1", TraceID: "t0", Timestamp: 1, Summary: "older"}},
		Total:    1,
	})
}

func newMockSession() *mockSession {
	st := store.New(store.Config{Logger: logging.Discard()})
	st.Reset("flow-1")
	st.OnFrame(conn.Frame{Data: []byte(`{"type":"log","timestamp":10,"level":"info","component":"svc","message":"test message"}`)})
	st.OnFrame(conn.Frame{Data: []byte(`{"type":"metric","component":"src","metricName":"records","value":5,"timestamp":1000}`)})
	st.OnFrame(conn.Frame{Data: []byte(`{"type":"health","overall":"healthy","components":[{"name":"src","type":"source","status":"healthy"}]}`)})
	return &mockSession{Store: st}
}

func startTestServer(t *testing.T) (string, *socketrpc.Server) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := socketrpc.NewServer(sockPath, newMockSession(), logging.Discard())
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return sockPath, srv
}

func TestRoundtrip(t *testing.T) {
	sockPath, srv := startTestServer(t)
	defer srv.Stop()

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	t.Run("Snapshot", func(t *testing.T) {
		snap, err := client.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if snap.FlowID != "flow-1" || len(snap.Logs) != 1 {
			t.Fatalf("unexpected snapshot: flow=%q logs=%d", snap.FlowID, len(snap.Logs))
		}
		if snap.ConnectionState != model.StateDisconnected {
			t.Fatalf("state = %v", snap.ConnectionState)
		}
	})

	t.Run("Status", func(t *testing.T) {
		st, err := client.Status()
		if err != nil {
			t.Fatal(err)
		}
		if st.Health == nil || st.Health.Overall != model.HealthHealthy {
			t.Fatalf("unexpected health: %+v", st.Health)
		}
		if st.LogCount != 1 {
			t.Fatalf("log count = %d, want 1", st.LogCount)
		}
	})

	t.Run("Logs", func(t *testing.T) {
		logs, err := client.Logs(socketrpc.LogsParams{MinLevel: "info"})
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) != 1 || logs[0].Message != "test message" || logs[0].Level != model.LevelInfo {
			t.Fatalf("unexpected logs: %+v", logs)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		m, err := client.Metrics()
		if err != nil {
			t.Fatal(err)
		}
		views := m.Components["src"]
		if len(views) != 1 || views[0].Name != "records" || views[0].Rate.Known {
			t.Fatalf("unexpected metrics: %+v", m.Components)
		}
	})

	t.Run("LoadHistory", func(t *testing.T) {
		res, err := client.LoadHistory()
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Messages) != 1 || res.Messages[0].Origin != model.OriginHistorical {
			t.Fatalf("unexpected messages: %+v", res.Messages)
		}
		msgs, err := client.Messages()
		if err != nil {
			t.Fatal(err)
		}
		if msgs.HistoryTotal != 1 {
			t.Fatalf("history total = %d, want 1", msgs.HistoryTotal)
		}
	})

	t.Run("ClearLogs", func(t *testing.T) {
		if err := client.ClearLogs(); err != nil {
			t.Fatal(err)
		}
		logs, err := client.Logs(socketrpc.LogsParams{})
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) != 0 {
			t.Fatalf("logs after clear = %d", len(logs))
		}
	})

	t.Run("DismissHistoryError", func(t *testing.T) {
		if err := client.DismissHistoryError(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Connect", func(t *testing.T) {
		st, err := client.Connect("flow-2")
		if err != nil {
			t.Fatal(err)
		}
		if st.FlowID != "flow-2" {
			t.Fatalf("flow = %q, want flow-2", st.FlowID)
		}
		if _, err := client.Disconnect(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestApplicationErrorSurfaces(t *testing.T) {
	sockPath, srv := startTestServer(t)
	defer srv.Stop()

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_, err = client.Logs(socketrpc.LogsParams{MinLevel: "loud"})
	rpcErr, ok := err.(*socketrpc.RPCError)
	if !ok {
		t.Fatalf("err = %T %v, want *RPCError", err, err)
	}
	if rpcErr.Code != -32602 {
		t.Fatalf("code = %d, want -32602", rpcErr.Code)
	}

	// The connection stays usable after an error.
	if _, err := client.Status(); err != nil {
		t.Fatalf("Status after error: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	_, err := socketrpc.Dial(filepath.Join(t.TempDir(), "nonexistent.sock"))
	if err == nil {
		t.Fatal("expected error dialing nonexistent socket")
	}
}

func TestSecondServerRefused(t *testing.T) {
	sockPath, srv := startTestServer(t)
	defer srv.Stop()

	other := socketrpc.NewServer(sockPath, newMockSession(), logging.Discard())
	if err := other.Start(); err == nil {
		other.Stop()
		t.Fatal("expected second server to be refused")
	}
}

func TestServerStopCleansSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "cleanup.sock")
	srv := socketrpc.NewServer(sockPath, newMockSession(), logging.Discard())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv.Stop()

	if _, err := socketrpc.Dial(sockPath); err == nil {
		t.Fatal("expected dial to fail after server stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "idempotent.sock")
	srv := socketrpc.NewServer(sockPath, newMockSession(), logging.Discard())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv.Stop()
	srv.Stop()
}

func TestStopClosesConns(t *testing.T) {
	sockPath, srv := startTestServer(t)
	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on an idle connection")
	}

	done := make(chan error, 1)
	go func() {
		_, callErr := client.Status()
		done <- callErr
	}()

	select {
	case callErr := <-done:
		if callErr == nil {
			t.Fatal("expected client call to fail after server stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client call hung after server stop")
	}
}
