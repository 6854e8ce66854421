package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var (
		configPath  string
		showVersion bool
		printConfig bool
		flowID      string
		backendURL  string
		input       string
	)

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/flowscope/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	flag.StringVar(&flowID, "flow", "", "flow id to open on startup (overrides flow-id)")
	flag.StringVar(&backendURL, "backend", "", "backend base url (overrides backend-url)")
	flag.StringVar(&input, "input", "", "replay newline-delimited frames from a file, or - for stdin")
	flag.Parse()

	if showVersion {
		fmt.Printf("Flowscope - Live Flow Telemetry\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if flowID != "" {
		cfg.FlowID = flowID
	}
	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	if input != "" {
		cfg.Input = input
	}

	if printConfig {
		if err := writeConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func writeConfig(w io.Writer, cfg appConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.settings()); err != nil {
		return err
	}
	return enc.Close()
}
