// Package config provides configuration types, defaults, validation, and
// the default config file for talkrelay.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/talkrelay/internal/log"
)

// Config holds all talkrelay configuration.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Tool    ToolConfig    `mapstructure:"tool"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
}

// APIConfig configures the HTTP relay server.
type APIConfig struct {
	// Addr is the listen address. Default: ":3000"
	Addr string `mapstructure:"addr"`

	// AllowedOrigins lists CORS origins for the browser client.
	// Default: ["*"]
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// ReadTimeout bounds reading a request. Streaming responses are not
	// bounded. Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// RelayConfig configures the message store.
type RelayConfig struct {
	// Retention is how many messages are kept, across both roles.
	// Default: 100
	Retention int `mapstructure:"retention"`

	// IdempotencyTTL is how long an Idempotency-Key replays its response.
	// Default: 10m
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// ToolConfig configures the MCP tool side.
type ToolConfig struct {
	// APIEndpoint is the relay the stdio tool talks to.
	// Default: "http://localhost:3000"
	APIEndpoint string `mapstructure:"api_endpoint"`

	// PollInterval is the time between reply polls. Default: 2s
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MaxWait is how long speech_response waits for a reply. Default: 50m
	MaxWait time.Duration `mapstructure:"max_wait"`

	// RequestTimeout bounds one call to the relay API. Default: 10s
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the export backend: "none", "file", "stdout", "otlp".
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.config/talkrelay/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig controls the debug log.
type LogConfig struct {
	// Debug lowers the log level from info to debug. Applied live when the
	// config file changes.
	Debug bool `mapstructure:"debug"`

	// Path is the log file. Empty logs to stderr.
	Path string `mapstructure:"path"`
}

// DefaultTracesFilePath returns ~/.config/talkrelay/traces/traces.jsonl, or
// an empty string when the home directory is unknown.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "talkrelay", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		API: APIConfig{
			Addr:           ":3000",
			AllowedOrigins: []string{"*"},
			ReadTimeout:    10 * time.Second,
		},
		Relay: RelayConfig{
			Retention:      100,
			IdempotencyTTL: 10 * time.Minute,
		},
		Tool: ToolConfig{
			APIEndpoint:    "http://localhost:3000",
			PollInterval:   2 * time.Second,
			MaxWait:        3000 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := ValidateAPI(c.API); err != nil {
		return err
	}
	if err := ValidateRelay(c.Relay); err != nil {
		return err
	}
	if err := ValidateTool(c.Tool); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateAPI checks the api section.
func ValidateAPI(api APIConfig) error {
	if api.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if api.ReadTimeout < 0 {
		return fmt.Errorf("api.read_timeout must not be negative, got %s", api.ReadTimeout)
	}
	return nil
}

// ValidateRelay checks the relay section.
func ValidateRelay(relay RelayConfig) error {
	if relay.Retention < 1 {
		return fmt.Errorf("relay.retention must be at least 1, got %d", relay.Retention)
	}
	if relay.IdempotencyTTL < 0 {
		return fmt.Errorf("relay.idempotency_ttl must not be negative, got %s", relay.IdempotencyTTL)
	}
	return nil
}

// ValidateTool checks the tool section.
func ValidateTool(tool ToolConfig) error {
	u, err := url.Parse(tool.APIEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("tool.api_endpoint must be an http(s) URL, got %q", tool.APIEndpoint)
	}
	if tool.PollInterval <= 0 {
		return fmt.Errorf("tool.poll_interval must be positive, got %s", tool.PollInterval)
	}
	if tool.MaxWait < tool.PollInterval {
		return fmt.Errorf("tool.max_wait (%s) must be at least tool.poll_interval (%s)", tool.MaxWait, tool.PollInterval)
	}
	if tool.RequestTimeout <= 0 {
		return fmt.Errorf("tool.request_timeout must be positive, got %s", tool.RequestTimeout)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	switch tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as commented YAML.
func DefaultConfigTemplate() string {
	return `# talkrelay configuration
#
# Every key can also be set from the environment as TALKRELAY_<SECTION>_<KEY>,
# e.g. TALKRELAY_TOOL_API_ENDPOINT=http://relay.local:3000

# HTTP relay server (talkrelay serve)
api:
  addr: ":3000"
  allowed_origins:
    - "*"
  read_timeout: 10s

# Message store
relay:
  retention: 100          # Messages kept across both roles; oldest evicted first
  idempotency_ttl: 10m    # How long an Idempotency-Key replays its response

# MCP tool side (talkrelay mcp)
tool:
  api_endpoint: http://localhost:3000
  poll_interval: 2s       # Time between checks for the user's reply
  max_wait: 50m           # Give up waiting after this long
  request_timeout: 10s

# Logging
log:
  debug: false            # Debug level instead of info; applied live
  path: ""                # Log file; empty logs to stderr

# Tracing (disabled by default)
# tracing:
#   enabled: true
#   exporter: file        # none, file, stdout, otlp
#   file_path: ~/.config/talkrelay/traces/traces.jsonl
#
# Example: send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1
`
}

// WriteDefaultConfig creates a config file at configPath from the default
// template, creating the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
