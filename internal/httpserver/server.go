package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/logparse"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/session"
	"github.com/tinytelemetry/flowscope/internal/store"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// Controller is the narrow session contract required by the HTTP API.
type Controller interface {
	model.Controller
	LoadHistory(ctx context.Context) error
}

// Server provides a read API over the live flow snapshot.
type Server struct {
	addr      string
	ctrl      Controller
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	heartbeat time.Duration
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	metricsView *store.Memo[map[string][]store.MetricView]
	healthView  *store.Memo[map[model.HealthStatus][]model.ComponentHealth]
}

// NewServer creates a new HTTP API server. gatherer may be nil, in which
// case /metrics is not served.
func NewServer(addr string, ctrl Controller, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:3100"
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		ctrl:        ctrl,
		gatherer:    gatherer,
		logger:      logger,
		heartbeat:   DefaultHeartbeat,
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
		metricsView: store.NewMemo(store.MetricsByComponent),
		healthView:  store.NewMemo(store.ComponentsByStatus),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/snapshot", s.handleSnapshot)
	r.GET("/api/logs", s.handleLogs)
	r.GET("/api/metrics", s.handleMetrics)
	r.GET("/api/messages", s.handleMessages)
	r.GET("/api/stream", s.handleStream)
	r.POST("/api/logs/clear", s.handleClearLogs)
	r.POST("/api/history/load", s.handleLoadHistory)
	r.DELETE("/api/history/error", s.handleDismissHistoryError)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	// No WriteTimeout: /api/stream responses are long-lived.
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	s.logger.Info("http api listening", "addr", listener.Addr().String())

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.ctrl.Snapshot()

	body := gin.H{
		"status":           "ok",
		"uptime":           time.Since(s.startTime).String(),
		"flow_id":          snap.FlowID,
		"connection_state": snap.ConnectionState,
		"log_count":        len(snap.Logs),
		"dropped_frames":   snap.DroppedFrames,
	}
	if snap.Health != nil {
		body["pipeline"] = gin.H{
			"overall":    snap.Health.Overall,
			"components": s.healthView.Get(snap),
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleLogs(c *gin.Context) {
	snap := s.ctrl.Snapshot()

	var logs []model.LogEntry
	if raw := c.Query("min_level"); raw != "" {
		lvl, ok := logparse.LookupLevel(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_level must be a severity such as debug, info, warn or error"})
			return
		}
		logs = store.LogsAtLeast(snap, lvl)
	} else {
		logs = snap.Logs
	}

	if exclude, _ := strconv.ParseBool(c.Query("exclude_messages")); exclude {
		logs = store.NonMessageLogs(&model.Snapshot{Logs: logs})
	}

	c.JSON(http.StatusOK, gin.H{
		"flow_id": snap.FlowID,
		"logs":    logs,
		"count":   len(logs),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.ctrl.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"flow_id":                snap.FlowID,
		"components":             s.metricsView.Get(snap),
		"last_metrics_timestamp": snap.LastMetricsTimestamp,
	})
}

func (s *Server) handleMessages(c *gin.Context) {
	snap := s.ctrl.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"flow_id":        snap.FlowID,
		"messages":       snap.Messages,
		"history_total":  snap.HistoryTotal,
		"history_cursor": snap.HistoryCursor,
		"history_error":  snap.HistoryError,
	})
}

func (s *Server) handleStream(c *gin.Context) {
	updates := make(chan *model.Snapshot, 1)
	unsubscribe := s.ctrl.Subscribe(func(snap *model.Snapshot) {
		// Keep only the newest snapshot; a slow client must not block the store.
		select {
		case updates <- snap:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap := <-updates:
			c.SSEvent("snapshot", snap)
			return true
		case t := <-heartbeat.C:
			c.SSEvent("heartbeat", t.UnixMilli())
			return true
		}
	})
}

func (s *Server) handleClearLogs(c *gin.Context) {
	s.ctrl.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleLoadHistory(c *gin.Context) {
	err := s.ctrl.LoadHistory(c.Request.Context())
	if err != nil {
		status, body := historyErrorResponse(err)
		c.JSON(status, body)
		return
	}

	snap := s.ctrl.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"messages":       len(snap.Messages),
		"history_total":  snap.HistoryTotal,
		"history_cursor": snap.HistoryCursor,
	})
}

func (s *Server) handleDismissHistoryError(c *gin.Context) {
	s.ctrl.DismissHistoryError()
	c.Status(http.StatusNoContent)
}

func historyErrorResponse(err error) (int, gin.H) {
	var fe *history.FetchError
	switch {
	case errors.Is(err, session.ErrNoFlow), errors.Is(err, session.ErrHistoryExhausted),
		errors.Is(err, store.ErrStaleHistory), errors.Is(err, store.ErrFlowMismatch):
		return http.StatusConflict, gin.H{"error": err.Error()}
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, gin.H{"error": err.Error()}
	case errors.As(err, &fe):
		return http.StatusBadGateway, gin.H{"error": err.Error(), "kind": fe.Kind}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{"error": err.Error()}
	default:
		return http.StatusBadGateway, gin.H{"error": err.Error(), "kind": model.HistoryNetworkError}
	}
}
