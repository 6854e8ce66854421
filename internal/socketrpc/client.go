package socketrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/flowscope/internal/model"
)

// Client calls a flowscope socket RPC server over a Unix domain socket.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params any, dest any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	// Leave headroom over the server's own call timeout.
	c.conn.SetDeadline(time.Now().Add(callTimeout + 5*time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return errors.New("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}
	if resp.ID != id && resp.Error == nil {
		return fmt.Errorf("socketrpc: response id %d, want %d", resp.ID, id)
	}

	if resp.Error != nil {
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) Snapshot() (*model.Snapshot, error) {
	var result model.Snapshot
	if err := c.call("Snapshot", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Status() (StatusResult, error) {
	var result StatusResult
	err := c.call("Status", nil, &result)
	return result, err
}

func (c *Client) Logs(p LogsParams) ([]model.LogEntry, error) {
	var result []model.LogEntry
	err := c.call("Logs", p, &result)
	return result, err
}

func (c *Client) Metrics() (MetricsResult, error) {
	var result MetricsResult
	err := c.call("Metrics", nil, &result)
	return result, err
}

func (c *Client) Messages() (MessagesResult, error) {
	var result MessagesResult
	err := c.call("Messages", nil, &result)
	return result, err
}

func (c *Client) ClearLogs() error {
	return c.call("ClearLogs", nil, nil)
}

func (c *Client) LoadHistory() (MessagesResult, error) {
	var result MessagesResult
	err := c.call("LoadHistory", nil, &result)
	return result, err
}

func (c *Client) DismissHistoryError() error {
	return c.call("DismissHistoryError", nil, nil)
}

func (c *Client) Connect(flowID string) (StatusResult, error) {
	var result StatusResult
	err := c.call("Connect", map[string]any{"FlowID": flowID}, &result)
	return result, err
}

func (c *Client) Disconnect() (StatusResult, error) {
	var result StatusResult
	err := c.call("Disconnect", nil, &result)
	return result, err
}
