package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// Config is the daemon configuration. Every field is optional; the Get*
// methods supply defaults for fields the file leaves out, and command-line
// flags override whatever the file sets.
type Config struct {
	// HTTP control surface and result WebSocket
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// gRPC frame stream; empty disables it
	GRPCListen *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`

	// NATS publishing; empty URL disables it
	NATSURL     *string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	NATSSubject *string `json:"nats_subject,omitempty" yaml:"nats_subject,omitempty"`

	// Session storage
	SessionBackend *string `json:"session_backend,omitempty" yaml:"session_backend,omitempty"` // "sqlite" or "file"
	DBPath         *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	SessionDir     *string `json:"session_dir,omitempty" yaml:"session_dir,omitempty"`

	// Initial acquisition parameters
	SampleCount *int `json:"sample_count,omitempty" yaml:"sample_count,omitempty"`
	FrameSize   *int `json:"frame_size,omitempty" yaml:"frame_size,omitempty"`
	Sparsity    *int `json:"sparsity,omitempty" yaml:"sparsity,omitempty"`

	// Processor tuning
	PollInterval     *string  `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // duration string like "100ms"
	SourceBuffer     *int     `json:"source_buffer,omitempty" yaml:"source_buffer,omitempty"`
	SubscriberBuffer *int     `json:"subscriber_buffer,omitempty" yaml:"subscriber_buffer,omitempty"`
	ReplayRateHz     *float64 `json:"replay_rate_hz,omitempty" yaml:"replay_rate_hz,omitempty"` // 0 replays as fast as possible

	// TagSee acquisition agent
	AgentTimeout *string `json:"agent_timeout,omitempty" yaml:"agent_timeout,omitempty"`
	TagSeeSocket *string `json:"tagsee_socket,omitempty" yaml:"tagsee_socket,omitempty"`

	// Optional local frame sources
	UDPListen  *string `json:"udp_listen,omitempty" yaml:"udp_listen,omitempty"`
	SerialPort *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialBaud *int    `json:"serial_baud,omitempty" yaml:"serial_baud,omitempty"`
}

// Load reads a .json, .yaml or .yml config file and validates it.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *Config) Validate() error {
	for name, v := range map[string]*string{
		"poll_interval": c.PollInterval,
		"agent_timeout": c.AgentTimeout,
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

	if c.SessionBackend != nil {
		switch *c.SessionBackend {
		case "", BackendSQLite, BackendFile:
		default:
			return fmt.Errorf("session_backend must be %q or %q, got %q", BackendSQLite, BackendFile, *c.SessionBackend)
		}
	}

	if c.SourceBuffer != nil && *c.SourceBuffer < 1 {
		return fmt.Errorf("source_buffer must be at least 1, got %d", *c.SourceBuffer)
	}
	if c.SubscriberBuffer != nil && *c.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer must be at least 1, got %d", *c.SubscriberBuffer)
	}
	if c.ReplayRateHz != nil && *c.ReplayRateHz < 0 {
		return fmt.Errorf("replay_rate_hz must be non-negative, got %f", *c.ReplayRateHz)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}

	return c.GetParams().Validate()
}

// Session storage backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

func (c *Config) GetListen() string {
	return stringOr(c.Listen, ":9001")
}

func (c *Config) GetGRPCListen() string {
	return stringOr(c.GRPCListen, "")
}

func (c *Config) GetNATSURL() string {
	return stringOr(c.NATSURL, "")
}

func (c *Config) GetNATSSubject() string {
	return stringOr(c.NATSSubject, "tagbeat.frames")
}

func (c *Config) GetSessionBackend() string {
	return stringOr(c.SessionBackend, BackendSQLite)
}

func (c *Config) GetDBPath() string {
	return stringOr(c.DBPath, "tagbeat.db")
}

func (c *Config) GetSessionDir() string {
	return stringOr(c.SessionDir, "sessions")
}

// GetParams returns the initial acquisition parameters, falling back to
// frame.DefaultParams field by field.
func (c *Config) GetParams() frame.Params {
	p := frame.DefaultParams()
	if c.SampleCount != nil {
		p.SampleCount = *c.SampleCount
	}
	if c.FrameSize != nil {
		p.FrameSize = *c.FrameSize
	}
	if c.Sparsity != nil {
		p.Sparsity = *c.Sparsity
	}
	return p
}

func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 100*time.Millisecond)
}

func (c *Config) GetSourceBuffer() int {
	return intOr(c.SourceBuffer, 64)
}

func (c *Config) GetSubscriberBuffer() int {
	return intOr(c.SubscriberBuffer, 16)
}

func (c *Config) GetReplayRateHz() float64 {
	if c.ReplayRateHz == nil {
		return 0
	}
	return *c.ReplayRateHz
}

func (c *Config) GetAgentTimeout() time.Duration {
	return durationOr(c.AgentTimeout, 5*time.Second)
}

func (c *Config) GetTagSeeSocket() string {
	return stringOr(c.TagSeeSocket, "ws://localhost:9092/socket")
}

func (c *Config) GetUDPListen() string {
	return stringOr(c.UDPListen, "")
}

func (c *Config) GetSerialPort() string {
	return stringOr(c.SerialPort, "")
}

func (c *Config) GetSerialBaud() int {
	return intOr(c.SerialBaud, 115200)
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
