// Package config loads the service configuration from an optional JSON file
// overlaid with FH5_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Defaults.
const (
	DefaultListenAddr        = "0.0.0.0:5607"
	DefaultRcvBuf            = 4 << 20
	DefaultQueueCapacity     = 256
	DefaultSubscriberBuffer  = 64
	DefaultLogDir            = "."
	DefaultLogQueue          = 1024
	DefaultLogEnqueueTimeout = 50 * time.Millisecond
	DefaultStatsLogInterval  = time.Minute
	DefaultHTTPListen        = ":8080"
	DefaultGRPCListen        = "localhost:50051"
	DefaultDBPath            = "telemetry.db"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the service configuration. Every field is optional; the Get*
// methods supply defaults for anything left unset, so partial files are safe.
type Config struct {
	ListenAddr       *string `json:"listen_addr,omitempty" env:"FH5_LISTEN_ADDR"`
	RcvBuf           *int    `json:"rcv_buf,omitempty" env:"FH5_RCV_BUF"`
	QueueCapacity    *int    `json:"queue_capacity,omitempty" env:"FH5_QUEUE_CAPACITY"`
	SubscriberBuffer *int    `json:"subscriber_buffer,omitempty" env:"FH5_SUBSCRIBER_BUFFER"`

	LogDir            *string `json:"log_dir,omitempty" env:"FH5_LOG_DIR"`
	LogQueue          *int    `json:"log_queue,omitempty" env:"FH5_LOG_QUEUE"`
	LogEnqueueTimeout *string `json:"log_enqueue_timeout,omitempty" env:"FH5_LOG_ENQUEUE_TIMEOUT"` // e.g. "50ms"

	StatsLogInterval *string `json:"stats_log_interval,omitempty" env:"FH5_STATS_LOG_INTERVAL"` // e.g. "1m"
	ForwardAddr      *string `json:"forward_addr,omitempty" env:"FH5_FORWARD_ADDR"`             // empty disables forwarding

	HTTPListen *string `json:"http_listen,omitempty" env:"FH5_HTTP_LISTEN"`
	GRPCListen *string `json:"grpc_listen,omitempty" env:"FH5_GRPC_LISTEN"`
	DBPath     *string `json:"db_path,omitempty" env:"FH5_DB_PATH"`
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads a Config from a JSON file. The file must have a .json
// extension and be under 1MB.
func LoadFile(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overwrites fields whose FH5_* variable is set. Unset variables
// leave the field untouched.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks that set values are usable.
func (c *Config) Validate() error {
	for name, addr := range map[string]*string{
		"listen_addr": c.ListenAddr,
		"http_listen": c.HTTPListen,
		"grpc_listen": c.GRPCListen,
	} {
		if addr != nil && *addr != "" {
			if _, _, err := net.SplitHostPort(*addr); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *addr, err)
			}
		}
	}
	if c.ForwardAddr != nil && *c.ForwardAddr != "" {
		if _, _, err := net.SplitHostPort(*c.ForwardAddr); err != nil {
			return fmt.Errorf("invalid forward_addr %q: %w", *c.ForwardAddr, err)
		}
	}

	for name, v := range map[string]*int{
		"queue_capacity":    c.QueueCapacity,
		"subscriber_buffer": c.SubscriberBuffer,
		"log_queue":         c.LogQueue,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must not be negative, got %d", *c.RcvBuf)
	}

	for name, v := range map[string]*string{
		"log_enqueue_timeout": c.LogEnqueueTimeout,
		"stats_log_interval":  c.StatsLogInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	return nil
}

func (c *Config) GetListenAddr() string { return stringOr(c.ListenAddr, DefaultListenAddr) }
func (c *Config) GetLogDir() string     { return stringOr(c.LogDir, DefaultLogDir) }
func (c *Config) GetHTTPListen() string { return stringOr(c.HTTPListen, DefaultHTTPListen) }
func (c *Config) GetGRPCListen() string { return stringOr(c.GRPCListen, DefaultGRPCListen) }
func (c *Config) GetDBPath() string     { return stringOr(c.DBPath, DefaultDBPath) }

// GetForwardAddr returns the forwarding target, or "" when forwarding is off.
func (c *Config) GetForwardAddr() string {
	if c.ForwardAddr == nil {
		return ""
	}
	return *c.ForwardAddr
}

func (c *Config) GetRcvBuf() int           { return intOr(c.RcvBuf, DefaultRcvBuf) }
func (c *Config) GetQueueCapacity() int    { return intOr(c.QueueCapacity, DefaultQueueCapacity) }
func (c *Config) GetSubscriberBuffer() int { return intOr(c.SubscriberBuffer, DefaultSubscriberBuffer) }
func (c *Config) GetLogQueue() int         { return intOr(c.LogQueue, DefaultLogQueue) }

// GetLogEnqueueTimeout is how long a frame may wait for room in the logger
// queue before the logger gives up and stops.
func (c *Config) GetLogEnqueueTimeout() time.Duration {
	return durationOr(c.LogEnqueueTimeout, DefaultLogEnqueueTimeout)
}

func (c *Config) GetStatsLogInterval() time.Duration {
	return durationOr(c.StatsLogInterval, DefaultStatsLogInterval)
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}
