package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/retry"
	"github.com/tinytelemetry/flowscope/internal/socketrpc"
)

const (
	defaultLogBuffer       = model.DefaultLogBuffer
	defaultHistoryCapacity = model.DefaultHistoryCapacity
	defaultHistoryPageSize = model.DefaultHistoryPageSize
	defaultConnectTimeout  = model.DefaultConnectTimeout
	defaultBindHost        = "127.0.0.1"
	defaultAPIPort         = 3100
	defaultLogFormat       = "text"
	defaultLogLevel        = "info"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	BackendURL           string        `mapstructure:"backend-url"`
	FlowID               string        `mapstructure:"flow-id"`
	Input                string        `mapstructure:"input"`
	LogBuffer            int           `mapstructure:"log-buffer"`
	HistoryCapacity      int           `mapstructure:"history-capacity"`
	HistoryPageSize      int           `mapstructure:"history-page-size"`
	ConnectTimeout       time.Duration `mapstructure:"connect-timeout"`
	ReconnectInitial     time.Duration `mapstructure:"reconnect-initial"`
	ReconnectMax         time.Duration `mapstructure:"reconnect-max"`
	ReconnectMultiplier  float64       `mapstructure:"reconnect-multiplier"`
	ReconnectJitter      float64       `mapstructure:"reconnect-jitter"`
	ReconnectMinInterval time.Duration `mapstructure:"reconnect-min-interval"`
	ReconnectStableAfter time.Duration `mapstructure:"reconnect-stable-after"`
	Host                 string        `mapstructure:"host"`
	APIEnabled           bool          `mapstructure:"api-enabled"`
	APIPort              int           `mapstructure:"api-port"`
	APIAddr              string        `mapstructure:"api-addr"`
	SocketPath           string        `mapstructure:"socket-path"`
	LogFormat            string        `mapstructure:"log-format"`
	LogLevel             string        `mapstructure:"log-level"`
	LogFile              string        `mapstructure:"log-file"`
	ConfigPath           string        `mapstructure:"-"` // not from config file
}

// reconnectPolicy maps the reconnect-* keys onto a retry policy.
func (c appConfig) reconnectPolicy() retry.Policy {
	return retry.Policy{
		Backoff: retry.BackoffConfig{
			Initial:    c.ReconnectInitial,
			Max:        c.ReconnectMax,
			Multiplier: c.ReconnectMultiplier,
			Jitter:     c.ReconnectJitter,
		},
		MinInterval: c.ReconnectMinInterval,
		StableAfter: c.ReconnectStableAfter,
	}
}

// settings returns the effective configuration keyed like the config file.
func (c appConfig) settings() map[string]any {
	return map[string]any{
		"backend-url":            c.BackendURL,
		"flow-id":                c.FlowID,
		"input":                  c.Input,
		"log-buffer":             c.LogBuffer,
		"history-capacity":       c.HistoryCapacity,
		"history-page-size":      c.HistoryPageSize,
		"connect-timeout":        c.ConnectTimeout.String(),
		"reconnect-initial":      c.ReconnectInitial.String(),
		"reconnect-max":          c.ReconnectMax.String(),
		"reconnect-multiplier":   c.ReconnectMultiplier,
		"reconnect-jitter":       c.ReconnectJitter,
		"reconnect-min-interval": c.ReconnectMinInterval.String(),
		"reconnect-stable-after": c.ReconnectStableAfter.String(),
		"host":                   c.Host,
		"api-enabled":            c.APIEnabled,
		"api-port":               c.APIPort,
		"api-addr":               c.APIAddr,
		"socket-path":            c.SocketPath,
		"log-format":             c.LogFormat,
		"log-level":              c.LogLevel,
		"log-file":               c.LogFile,
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	backoff := retry.DefaultBackoffConfig()
	policy := retry.DefaultPolicy()

	v := viper.New()
	v.SetEnvPrefix("FLOWSCOPE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("backend-url", "")
	v.SetDefault("flow-id", "")
	v.SetDefault("input", "")
	v.SetDefault("log-buffer", defaultLogBuffer)
	v.SetDefault("history-capacity", defaultHistoryCapacity)
	v.SetDefault("history-page-size", defaultHistoryPageSize)
	v.SetDefault("connect-timeout", defaultConnectTimeout)
	v.SetDefault("reconnect-initial", backoff.Initial)
	v.SetDefault("reconnect-max", backoff.Max)
	v.SetDefault("reconnect-multiplier", backoff.Multiplier)
	v.SetDefault("reconnect-jitter", backoff.Jitter)
	v.SetDefault("reconnect-min-interval", policy.MinInterval)
	v.SetDefault("reconnect-stable-after", policy.StableAfter)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("api-addr", "")
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("log-format", defaultLogFormat)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-file", filepath.Join(home, ".local", "state", "flowscope", "flowscope.log"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "flowscope", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if strings.HasPrefix(cfg.LogFile, "~/") {
		cfg.LogFile = filepath.Join(home, cfg.LogFile[2:])
	}
	if cfg.Host == "" {
		cfg.Host = defaultBindHost
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

// validate checks the fully resolved config, after flag overrides.
func (c appConfig) validate() error {
	if c.BackendURL == "" && c.Input == "" {
		return errors.New("backend-url is required unless input is set")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", c.APIPort)
	}
	if c.LogBuffer <= 0 {
		return fmt.Errorf("invalid log-buffer: %d", c.LogBuffer)
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("invalid history-capacity: %d", c.HistoryCapacity)
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("invalid history-page-size: %d", c.HistoryPageSize)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect-timeout: %s", c.ConnectTimeout)
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("invalid reconnect window: initial %s, max %s", c.ReconnectInitial, c.ReconnectMax)
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("invalid reconnect-multiplier: %v", c.ReconnectMultiplier)
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return fmt.Errorf("invalid reconnect-jitter: %v", c.ReconnectJitter)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %q", c.LogFormat)
	}
	return nil
}
