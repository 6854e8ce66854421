package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/flowscope/internal/ingest"
	"github.com/tinytelemetry/flowscope/internal/model"
)

// ErrNotFound matches FetchErrors of kind not-found.
var ErrNotFound = errors.New("history: flow not found")

// FetchError is a failed historical fetch.
type FetchError struct {
	Kind   model.HistoryErrorKind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	msg := "history: fetch: " + string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == model.HistoryNotFound
}

// HistoryError converts e into the snapshot's dismissible error.
func (e *FetchError) HistoryError() model.HistoryError {
	return model.HistoryError{Kind: e.Kind, Message: e.Error()}
}

// FetchRequest selects one page of a flow's message history.
type FetchRequest struct {
	FlowID string
	Limit  int
	Cursor string
}

// Fetcher loads historical message pages.
type Fetcher interface {
	FetchMessages(ctx context.Context, req FetchRequest) (Page, error)
}

// ErrNoBackend is wrapped by Offline fetch failures.
var ErrNoBackend = errors.New("history: no backend configured")

// Offline is a Fetcher for sessions replaying local input. Every fetch
// fails as not-found.
type Offline struct{}

func (Offline) FetchMessages(context.Context, FetchRequest) (Page, error) {
	return Page{}, &FetchError{Kind: model.HistoryNotFound, Err: ErrNoBackend}
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// Client reads message history from the backend REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient constructs a Client for the backend at base. Websocket schemes
// are mapped to their HTTP equivalents.
func NewClient(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, errors.New("history: empty backend url")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("history: invalid backend url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("history: unsupported backend url scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type pageResponse struct {
	Messages         []json.RawMessage `json:"messages"`
	Total            *int              `json:"total"`
	NextCursor       string            `json:"nextCursor"`
	NextCursorLegacy string            `json:"next_cursor"`
}

// FetchMessages performs GET {base}/api/flows/{flowID}/messages. Errors
// other than context cancellation are *FetchError.
func (c *Client) FetchMessages(ctx context.Context, req FetchRequest) (Page, error) {
	if req.FlowID == "" {
		return Page{}, errors.New("history: empty flow id")
	}

	endpoint := c.baseURL.JoinPath("api", "flows", req.FlowID, "messages")
	q := endpoint.Query()
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("history: create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, ctxErr
		}
		return Page{}, &FetchError{Kind: model.HistoryNetworkError, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Page{}, &FetchError{Kind: model.HistoryNotFound, Status: resp.StatusCode, Err: apiMessage(resp.Body)}
	case resp.StatusCode >= http.StatusBadRequest:
		return Page{}, &FetchError{Kind: model.HistoryServerError, Status: resp.StatusCode, Err: apiMessage(resp.Body)}
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, ctxErr
		}
		return Page{}, &FetchError{Kind: model.HistoryServerError, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return decodePage(body), nil
}

func decodePage(body pageResponse) Page {
	page := Page{
		Messages:   make([]model.Message, 0, len(body.Messages)),
		NextCursor: body.NextCursor,
	}
	if page.NextCursor == "" {
		page.NextCursor = body.NextCursorLegacy
	}
	for _, raw := range body.Messages {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			page.Skipped++
			continue
		}
		m, ok := Normalize(obj)
		if !ok {
			page.Skipped++
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	if body.Total != nil {
		page.Total = *body.Total
	} else {
		page.Total = len(page.Messages)
	}
	return page
}

func apiMessage(body io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err == nil {
		if msg := ingest.ExtractStringField(payload, "error", "message"); msg != "" {
			return errors.New(msg)
		}
	}
	return errors.New(strings.TrimSpace(string(data)))
}
