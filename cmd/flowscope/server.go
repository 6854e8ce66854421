package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/flowscope/internal/conn"
	"github.com/tinytelemetry/flowscope/internal/history"
	"github.com/tinytelemetry/flowscope/internal/httpserver"
	"github.com/tinytelemetry/flowscope/internal/logging"
	"github.com/tinytelemetry/flowscope/internal/metrics"
	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/session"
	"github.com/tinytelemetry/flowscope/internal/socketrpc"
)

// runServer opens the configured flow and serves the HTTP API and socket RPC
// until interrupted.
func runServer(cfg appConfig) error {
	logger, cleanupLogger := configureRuntimeLogger(cfg)
	defer cleanupLogger()
	slog.SetDefault(logger)

	registry, recorder := metrics.NewRegistry()

	sessCfg := session.Config{
		BackendURL:      cfg.BackendURL,
		LogCapacity:     cfg.LogBuffer,
		HistoryCapacity: cfg.HistoryCapacity,
		HistoryPageSize: cfg.HistoryPageSize,
		ConnectTimeout:  cfg.ConnectTimeout,
		Reconnect:       cfg.reconnectPolicy(),
		Logger:          logger,
		Metrics:         recorder,
	}
	if cfg.Input != "" {
		r, closeInput, err := openInput(cfg.Input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer closeInput()
		sessCfg.Dialer = conn.NewLineDialer(r, logger.With("component", "input"))
		if cfg.BackendURL == "" {
			sessCfg.History = history.Offline{}
		}
		if cfg.FlowID == "" {
			cfg.FlowID = "local"
		}
	}

	sess, err := session.New(sessCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	defer sess.Close()

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, sess, registry, logger.With("component", "http"))
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Start socket RPC server for flowscope-ctl
	sockServer := socketrpc.NewServer(cfg.SocketPath, sess, logger.With("component", "socketrpc"))
	if err := sockServer.Start(); err != nil {
		logger.Warn("failed to start socket server", "error", err)
	} else {
		defer sockServer.Stop()
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	unsubscribe := sess.Subscribe(connectionLogger(logger))
	defer unsubscribe()

	printStartupBanner(cfg)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.FlowID != "" {
		g.Go(func() error {
			err := sess.Open(gctx, cfg.FlowID)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, session.ErrClosed):
			default:
				// The reconnect policy keeps retrying in the background.
				logger.Warn("initial connect failed", "flow", cfg.FlowID, "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server: errgroup exited with error", "error", err)
	}

	// If we reach here, graceful shutdown succeeded within the deadline.
	signal.Stop(sigCh)
	return nil
}

// connectionLogger logs connection state transitions. It runs on the
// store's publish path, so it only logs.
func connectionLogger(logger *slog.Logger) func(*model.Snapshot) {
	var (
		lastFlow  string
		lastState = model.StateDisconnected
	)
	return func(snap *model.Snapshot) {
		if snap.FlowID == lastFlow && snap.ConnectionState == lastState {
			return
		}
		lastFlow, lastState = snap.FlowID, snap.ConnectionState
		if snap.FlowID == "" {
			return
		}
		attrs := []any{"flow", snap.FlowID, "state", snap.ConnectionState.String()}
		if snap.ConnectionState == model.StateErrored {
			logger.Warn("connection_state", append(attrs, "error", snap.Error)...)
			return
		}
		logger.Info("connection_state", attrs...)
	}
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// configureRuntimeLogger writes to the runtime log file, falling back to
// stderr when it cannot be opened.
func configureRuntimeLogger(cfg appConfig) (*slog.Logger, func()) {
	if cfg.LogFile == "" {
		return logging.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel), func() {}
	}
	f, err := logging.OpenRuntimeLog(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v (logging to stderr)\n", cfg.LogFile, err)
		return logging.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel), func() {}
	}
	return logging.NewLogger(f, cfg.LogFormat, cfg.LogLevel), func() { _ = f.Close() }
}

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	row := func(on bool, label, value string) string {
		mark := dot
		if on {
			mark = check
		}
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{
		"",
		cyan.Bold(true).Render("    flowscope"),
		"    " + dim.Render("v"+version),
		"",
		separator,
		"",
		bold.Render("    Source"),
		"",
	}

	if cfg.Input != "" {
		lines = append(lines, row(true, "Replay", cyan.Render(shortenPath(cfg.Input))))
	} else {
		lines = append(lines, row(true, "Backend", cyan.Render(cfg.BackendURL)))
	}
	if cfg.FlowID != "" {
		lines = append(lines, row(true, "Flow", cyan.Render(cfg.FlowID)))
	} else {
		lines = append(lines, row(false, "Flow", dim.Render("none (use flowscope-ctl connect)")))
	}

	lines = append(lines, "", bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, row(true, "HTTP API", cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, row(false, "HTTP API", dim.Render("disabled")))
	}
	lines = append(lines, row(true, "Unix Socket", cyan.Render(shortenPath(cfg.SocketPath))))

	lines = append(lines, "", bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(false, "Config File", dim.Render("default (no file)")))
	}
	if cfg.LogFile != "" {
		lines = append(lines, row(true, "Runtime Log", dim.Render(shortenPath(cfg.LogFile))))
	}

	lines = append(lines,
		"",
		separator,
		"",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"),
		"",
	)

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
