package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/socketrpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const usage = `Usage: flowscope-ctl [flags] <command> [args]

Commands:
  status                     connection and pipeline health
  snapshot                   full snapshot
  logs [-min-level L] [-exclude-messages] [-limit N]
  metrics                    metrics grouped by component, with rates
  messages                   merged live and historical messages
  load-history               fetch the next page of message history
  dismiss-history-error      clear the history error
  clear-logs                 drop retained log entries
  connect <flow-id>          open a flow
  disconnect                 close the live stream

Flags:
`

var errUsage = errors.New("usage")

func main() {
	var configPath string
	var socketPath string
	var output string
	var showVersion bool

	fs := flag.NewFlagSet("flowscope-ctl", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/flowscope/config.yml)")
	fs.StringVar(&socketPath, "socket", "", "override socket path to connect to the flowscope service")
	fs.StringVar(&output, "o", "", "output format: yaml, json or text")
	fs.BoolVar(&showVersion, "version", false, "print version information")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("Flowscope CTL - Control Client\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadCLIConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if output != "" {
		cfg.Output = output
	}

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot connect to flowscope service at %s: %v\nIs the service running? Start it with: flowscope\n", cfg.SocketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	if err := run(client, newPrinter(os.Stdout, cfg.Output), fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rpcClient is the subset of socketrpc.Client the commands use.
type rpcClient interface {
	Snapshot() (*model.Snapshot, error)
	Status() (socketrpc.StatusResult, error)
	Logs(p socketrpc.LogsParams) ([]model.LogEntry, error)
	Metrics() (socketrpc.MetricsResult, error)
	Messages() (socketrpc.MessagesResult, error)
	ClearLogs() error
	LoadHistory() (socketrpc.MessagesResult, error)
	DismissHistoryError() error
	Connect(flowID string) (socketrpc.StatusResult, error)
	Disconnect() (socketrpc.StatusResult, error)
}

func run(c rpcClient, p *printer, args []string) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "status":
		st, err := c.Status()
		if err != nil {
			return err
		}
		return p.status(st)

	case "snapshot":
		snap, err := c.Snapshot()
		if err != nil {
			return err
		}
		return p.value(snap)

	case "logs":
		fs := flag.NewFlagSet("logs", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var params socketrpc.LogsParams
		fs.StringVar(&params.MinLevel, "min-level", "", "minimum level")
		fs.BoolVar(&params.ExcludeMessages, "exclude-messages", false, "hide message-logger entries")
		fs.IntVar(&params.Limit, "limit", 0, "newest N entries")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("logs: %w", err)
		}
		logs, err := c.Logs(params)
		if err != nil {
			return err
		}
		return p.logs(logs)

	case "metrics":
		m, err := c.Metrics()
		if err != nil {
			return err
		}
		return p.value(m)

	case "messages":
		m, err := c.Messages()
		if err != nil {
			return err
		}
		return p.value(m)

	case "load-history":
		m, err := c.LoadHistory()
		if err != nil {
			return err
		}
		return p.value(m)

	case "dismiss-history-error":
		return c.DismissHistoryError()

	case "clear-logs":
		return c.ClearLogs()

	case "connect":
		if len(rest) != 1 {
			return fmt.Errorf("connect: expected one flow id: %w", errUsage)
		}
		st, err := c.Connect(rest[0])
		if err != nil {
			return err
		}
		return p.status(st)

	case "disconnect":
		st, err := c.Disconnect()
		if err != nil {
			return err
		}
		return p.status(st)

	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}
