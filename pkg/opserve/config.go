// Package opserve dispatches HTTP/1.1 requests to registered, typed
// operations: it selects an operation by method and path, decodes and
// validates the input, invokes the business function under a configurable
// strategy and turns the outcome into exactly one response.
package opserve

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the default environment variable prefix.
const EnvPrefix = "OPSERVE"

// Invocation modes.
const (
	ModeImmediate = "immediate"
	ModePool      = "pool"
)

// Metric exporters. Each one owns the operation metric families, so only
// one is active per registry.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTel       = "otel"
)

// Config holds the server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Invocation  InvocationConfig  `yaml:"invocation" envconfig:"INVOCATION"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Metrics     MetricsConfig     `yaml:"metrics" envconfig:"METRICS"`
	Tracing     TracingConfig     `yaml:"tracing" envconfig:"TRACING"`
	Compression CompressionConfig `yaml:"compression" envconfig:"COMPRESSION"`
}

// ServerConfig configures the listener and the HTTP/1.1 connection limits.
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	Multicore       bool          `yaml:"multicore" envconfig:"MULTICORE"`
	NumEventLoop    int           `yaml:"num_event_loop" envconfig:"NUM_EVENT_LOOP"` // 0 lets gnet decide
	ReusePort       bool          `yaml:"reuse_port" envconfig:"REUSE_PORT"`
	MaxConnections  uint32        `yaml:"max_connections" envconfig:"MAX_CONNECTIONS"` // 0 is unlimited
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	LivenessPath    string        `yaml:"liveness_path" envconfig:"LIVENESS_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// InvocationConfig selects where operations run.
type InvocationConfig struct {
	Mode             string  `yaml:"mode" envconfig:"MODE"`
	PoolSize         int     `yaml:"pool_size" envconfig:"POOL_SIZE"`
	NonBlocking      bool    `yaml:"non_blocking" envconfig:"NON_BLOCKING"`
	MaxBlockingTasks int     `yaml:"max_blocking_tasks" envconfig:"MAX_BLOCKING_TASKS"`
	Rate             float64 `yaml:"rate" envconfig:"RATE"` // submissions per second, 0 disables the gate
	Burst            int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"` // json or text
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Addr      string `yaml:"addr" envconfig:"ADDR"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
	Exporter  string `yaml:"exporter" envconfig:"EXPORTER"` // prometheus or otel
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	Stdout      bool   `yaml:"stdout" envconfig:"STDOUT"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`
}

// CompressionConfig configures response compression.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
	Level   int  `yaml:"level" envconfig:"LEVEL"`
	MinSize int  `yaml:"min_size" envconfig:"MIN_SIZE"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Multicore:       true,
			ReusePort:       true,
			MaxHeaderBytes:  1 << 20, // 1 MB
			MaxBodyBytes:    4 << 20,
			LivenessPath:    "/ping",
			ShutdownTimeout: 10 * time.Second,
		},
		Invocation: InvocationConfig{
			Mode:  ModeImmediate,
			Burst: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr:      ":9090",
			Namespace: "opserve",
			Exporter:  ExporterPrometheus,
		},
		Tracing: TracingConfig{
			ServiceName: "opserve",
		},
		Compression: CompressionConfig{
			Level:   6,
			MinSize: 1024,
		},
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxHeaderBytes <= 0 {
		c.Server.MaxHeaderBytes = 1 << 20
	}
	if c.Server.MaxBodyBytes < 0 {
		c.Server.MaxBodyBytes = 0
	}
	if c.Server.LivenessPath == "" {
		c.Server.LivenessPath = "/ping"
	}
	if !strings.HasPrefix(c.Server.LivenessPath, "/") {
		return fmt.Errorf("server.liveness_path %q must start with /", c.Server.LivenessPath)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Invocation.Mode = strings.ToLower(c.Invocation.Mode)
	switch c.Invocation.Mode {
	case "":
		c.Invocation.Mode = ModeImmediate
	case ModeImmediate, ModePool:
	default:
		return fmt.Errorf("invocation.mode %q: want %s or %s", c.Invocation.Mode, ModeImmediate, ModePool)
	}
	if c.Invocation.Rate < 0 {
		return errors.New("invocation.rate must not be negative")
	}
	if c.Invocation.Rate > 0 && c.Invocation.Burst < 1 {
		c.Invocation.Burst = 1
	}

	c.Logging.Format = strings.ToLower(c.Logging.Format)
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q: want json or text", c.Logging.Format)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "opserve"
	}
	c.Metrics.Exporter = strings.ToLower(c.Metrics.Exporter)
	switch c.Metrics.Exporter {
	case "":
		c.Metrics.Exporter = ExporterPrometheus
	case ExporterPrometheus, ExporterOTel:
	default:
		return fmt.Errorf("metrics.exporter %q: want %s or %s", c.Metrics.Exporter, ExporterPrometheus, ExporterOTel)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "opserve"
	}
	if c.Compression.Level <= 0 || c.Compression.Level > 9 {
		c.Compression.Level = 6
	}
	if c.Compression.MinSize <= 0 {
		c.Compression.MinSize = 1024
	}
	return nil
}

// LoadConfig builds a Config from the defaults, then the YAML file at path
// (skipped when path is empty), then environment variables with the given
// prefix, and validates the result.
func LoadConfig(prefix, path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if prefix == "" {
		prefix = EnvPrefix
	}
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
