package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/store"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes the flow session over a Unix domain socket.
//
//   Method                 Params                                        Result
//   ───────────────────    ──────────────────────────────────────────    ──────────────
//   Snapshot               (none)                                        model.Snapshot
//   Status                 (none)                                        StatusResult
//   Logs                   {MinLevel: string, ExcludeMessages: bool,     []model.LogEntry
//                           Limit: int}
//   Metrics                (none)                                        MetricsResult
//   Messages               (none)                                        MessagesResult
//   ClearLogs              (none)                                        bool
//   LoadHistory            (none)                                        MessagesResult
//   DismissHistoryError    (none)                                        bool
//   Connect                {FlowID: string}                              StatusResult
//   Disconnect             (none)                                        StatusResult
//
// Logs accepts empty or null params; Limit 0 returns every retained entry,
// otherwise the newest Limit entries in arrival order.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error
//   -32001  History fetch failed; Message carries the error kind prefix

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeAppError       = -32000
	codeHistoryError   = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// LogsParams filters the Logs method.
type LogsParams struct {
	MinLevel        string
	ExcludeMessages bool
	Limit           int
}

// StatusResult summarizes the connection and pipeline health.
type StatusResult struct {
	FlowID          string                `json:"flowId"`
	ConnectionState model.ConnectionState `json:"connectionState"`
	Error           string                `json:"error,omitempty"`
	Health          *model.HealthSnapshot `json:"health"`
	LogCount        int                   `json:"logCount"`
	DroppedFrames   uint64                `json:"droppedFrames"`
}

// MetricsResult is the per-component metric listing.
type MetricsResult struct {
	Components           map[string][]store.MetricView `json:"components"`
	LastMetricsTimestamp int64                         `json:"lastMetricsTimestamp"`
}

// MessagesResult is the merged message view with its paging state.
type MessagesResult struct {
	Messages      []model.Message     `json:"messages"`
	HistoryTotal  int                 `json:"historyTotal"`
	HistoryCursor string              `json:"historyCursor,omitempty"`
	HistoryError  *model.HistoryError `json:"historyError,omitempty"`
}

func statusOf(snap *model.Snapshot) StatusResult {
	return StatusResult{
		FlowID:          snap.FlowID,
		ConnectionState: snap.ConnectionState,
		Error:           snap.Error,
		Health:          snap.Health,
		LogCount:        len(snap.Logs),
		DroppedFrames:   snap.DroppedFrames,
	}
}

func messagesOf(snap *model.Snapshot) MessagesResult {
	return MessagesResult{
		Messages:      snap.Messages,
		HistoryTotal:  snap.HistoryTotal,
		HistoryCursor: snap.HistoryCursor,
		HistoryError:  snap.HistoryError,
	}
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/flowscope/flowscope.sock, falling back to
// ~/.local/state/flowscope/flowscope.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "flowscope", "flowscope.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/flowscope.sock"
	}
	return filepath.Join(home, ".local", "state", "flowscope", "flowscope.sock")
}
