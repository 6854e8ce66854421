package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/flowscope/internal/model"
)

func TestFetchMessagesSuccess(t *testing.T) {
	requests := make(chan *url.URL, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.URL
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"messages": [
				{"id":"m1","timestamp":1000,"traceId":"t1","subject":"a","summary":"one"},
				{"id":"m2","timestamp":"1970-01-01T00:00:02Z","trace_id":"t2","message":"two"},
				{"id":"bad"},
				"not-an-object"
			],
			"total": 42,
			"nextCursor": "c2"
		}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	page, err := c.FetchMessages(context.Background(), FetchRequest{FlowID: "flow-1", Limit: 50, Cursor: "c1"})
	require.NoError(t, err)

	got := <-requests
	assert.Equal(t, "/api/flows/flow-1/messages", got.Path)
	assert.Equal(t, "50", got.Query().Get("limit"))
	assert.Equal(t, "c1", got.Query().Get("cursor"))
	assert.Equal(t, 42, page.Total)
	assert.Equal(t, "c2", page.NextCursor)
	assert.Equal(t, 2, page.Skipped)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "t2", page.Messages[1].TraceID)
	assert.Equal(t, int64(2000), page.Messages[1].Timestamp)
	assert.Equal(t, "two", page.Messages[1].Summary)
}

func TestFetchMessagesErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind model.HistoryErrorKind
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"error":"no such flow"}`, wantKind: model.HistoryNotFound},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantKind: model.HistoryServerError},
		{name: "bad request", status: http.StatusBadRequest, wantKind: model.HistoryServerError},
		{name: "undecodable body", status: http.StatusOK, body: "<html>", wantKind: model.HistoryServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL)
			require.NoError(t, err)

			_, err = c.FetchMessages(context.Background(), FetchRequest{FlowID: "f"})
			var fe *FetchError
			require.True(t, errors.As(err, &fe), "err = %v", err)
			assert.Equal(t, tt.wantKind, fe.Kind)
			assert.Equal(t, tt.wantKind == model.HistoryNotFound, errors.Is(err, ErrNotFound))
		})
	}
}

func TestFetchMessagesNotFoundMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such flow"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.FetchMessages(context.Background(), FetchRequest{FlowID: "f"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such flow")
}

func TestFetchMessagesNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c, err := NewClient(base)
	require.NoError(t, err)

	_, err = c.FetchMessages(context.Background(), FetchRequest{FlowID: "f"})
	var fe *FetchError
	require.True(t, errors.As(err, &fe), "err = %v", err)
	assert.Equal(t, model.HistoryNetworkError, fe.Kind)
}

func TestFetchMessagesCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.FetchMessages(ctx, FetchRequest{FlowID: "f"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "ws://host:3000", want: "http://host:3000"},
		{base: "wss://host", want: "https://host"},
		{base: "localhost:3000", want: "http://localhost:3000"},
		{base: "", wantErr: true},
		{base: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		c, err := NewClient(tt.base)
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, c.baseURL.String())
	}
}

func TestOfflineFetcher(t *testing.T) {
	var f Fetcher = Offline{}
	_, err := f.FetchMessages(context.Background(), FetchRequest{FlowID: "f"})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrNoBackend)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, model.HistoryNotFound, fe.HistoryError().Kind)
}
