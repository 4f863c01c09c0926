// Package config loads the command-line client's settings from an optional
// invokeflow.yaml file, INVOKEFLOW_* environment variables and flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/me/invokeflow/pkg/queue"
)

// EnvPrefix prefixes every environment override, e.g. INVOKEFLOW_SERVER.
const EnvPrefix = "INVOKEFLOW"

// ClientConfig holds configuration for the invokeflow CLI.
type ClientConfig struct {
	Server     string        `mapstructure:"server"`      // Server base URL
	APIPrefix  string        `mapstructure:"api_prefix"`  // REST prefix (default "/api/v1")
	Queue      string        `mapstructure:"queue"`       // Queue id
	Timeout    time.Duration `mapstructure:"timeout"`     // Per-request HTTP timeout
	MaxRetries int           `mapstructure:"max_retries"` // Retries of transient request failures
	RetryDelay time.Duration `mapstructure:"retry_delay"` // Base delay between retries
	RateLimit  float64       `mapstructure:"rate_limit"`  // Requests per second, 0 for unlimited
	LogLevel   string        `mapstructure:"log_level"`   // Log level: debug, info, warn, error
	LogFormat  string        `mapstructure:"log_format"`  // Log format: text, json
	HistoryDB  string        `mapstructure:"history_db"`  // SQLite history path, "" disables history
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	qc := queue.DefaultConfig()
	return ClientConfig{
		Server:     qc.BaseURL,
		APIPrefix:  qc.APIPrefix,
		Queue:      qc.QueueID,
		Timeout:    qc.Timeout,
		MaxRetries: qc.MaxRetries,
		RetryDelay: qc.RetryDelay,
		RateLimit:  qc.RequestsPerSecond,
		LogLevel:   "info",
		LogFormat:  "text",
		HistoryDB:  defaultHistoryDB(),
	}
}

func defaultHistoryDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".invokeflow", "history.db")
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"server":     "server",
	"queue":      "queue",
	"log-level":  "log_level",
	"log-format": "log_format",
	"history-db": "history_db",
}

// Load reads the configuration. When path is empty, invokeflow.yaml is
// looked up in the working directory and in ~/.config/invokeflow; a missing
// file is not an error then. Flags that were set on the command line win
// over every other source.
func Load(path string, flags *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()

	def := DefaultClientConfig()
	v.SetDefault("server", def.Server)
	v.SetDefault("api_prefix", def.APIPrefix)
	v.SetDefault("queue", def.Queue)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retry_delay", def.RetryDelay)
	v.SetDefault("rate_limit", def.RateLimit)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("history_db", def.HistoryDB)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("invokeflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "invokeflow"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server = strings.TrimRight(strings.TrimSpace(cfg.Server), "/")
	if cfg.Server == "" {
		return nil, fmt.Errorf("config: server URL is empty")
	}
	return &cfg, nil
}

// QueueConfig converts the client settings to a queue client config.
func (c ClientConfig) QueueConfig() queue.Config {
	qc := queue.DefaultConfig().
		WithBaseURL(c.Server).
		WithQueueID(c.Queue).
		WithTimeout(c.Timeout).
		WithRetries(c.MaxRetries, c.RetryDelay).
		WithRateLimit(c.RateLimit)
	if c.APIPrefix != "" {
		qc.APIPrefix = c.APIPrefix
	}
	return qc
}
