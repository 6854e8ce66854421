package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const maxFrameBytes = 1 << 20

// WebSocketDialer opens event streams at {base}/api/flows/{flowID}/events.
type WebSocketDialer struct {
	baseURL string
	dialer  *websocket.Dialer
	header  http.Header
}

// NewWebSocketDialer creates a dialer for the given backend base URL.
// http and https bases are mapped to ws and wss.
func NewWebSocketDialer(baseURL string, header http.Header) *WebSocketDialer {
	return &WebSocketDialer{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		header: header,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, flowID string) (Stream, error) {
	target, err := EventsURL(d.baseURL, flowID)
	if err != nil {
		return nil, err
	}

	c, resp, err := d.dialer.DialContext(ctx, target, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open event stream: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	c.SetReadLimit(maxFrameBytes)
	return &wsStream{conn: c}, nil
}

// EventsURL builds the event stream URL for flowID.
func EventsURL(baseURL, flowID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("backend url %q has no host", baseURL)
	}
	return u.JoinPath("api", "flows", flowID, "events").String(), nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) ReadFrame() (Frame, error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Frame{}, errors.New("event stream closed by server")
		}
		return Frame{}, err
	}
	return Frame{Data: data, Binary: mt == websocket.BinaryMessage}, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
