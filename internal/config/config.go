// Package config defines the engine's TOML configuration surface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for engine logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// MatchType selects how a route's path pattern is compared against request
// paths.
type MatchType string

const (
	MatchTypeExact  MatchType = "Exact"
	MatchTypePrefix MatchType = "Prefix"
)

// Route binds a path pattern to a registered handler type. HandlerConfig is
// opaque here; the handler factory interprets it.
type Route struct {
	PathPattern   string                 `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType              `json:"match_type" toml:"match_type"`
	HandlerType   string                 `json:"handler_type" toml:"handler_type"`
	HandlerConfig map[string]interface{} `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// Config is the top-level configuration structure.
type Config struct {
	Engine   *EngineConfig  `json:"engine,omitempty" toml:"engine,omitempty"`
	Timeouts *TimeoutConfig `json:"timeouts,omitempty" toml:"timeouts,omitempty"`
	Logging  *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Routes   []Route        `json:"routes,omitempty" toml:"routes,omitempty"`
}

// EngineConfig holds per-connection protocol settings.
type EngineConfig struct {
	// MaxFrameSize bounds the declared payload length of any inbound frame,
	// in bytes.
	MaxFrameSize *uint64 `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
	// MaxFieldSectionSize is advertised in SETTINGS as the largest
	// uncompressed field section we accept.
	MaxFieldSectionSize *uint64 `json:"max_field_section_size,omitempty" toml:"max_field_section_size,omitempty"`
	// QPACKMaxTableCapacity is advertised in SETTINGS as the bound on the
	// peer encoder's dynamic table.
	QPACKMaxTableCapacity *uint64 `json:"qpack_max_table_capacity,omitempty" toml:"qpack_max_table_capacity,omitempty"`
	// QPACKBlockedStreams is advertised in SETTINGS. The decoder does not
	// hold sections waiting for table updates, so only zero is valid.
	QPACKBlockedStreams *uint64 `json:"qpack_blocked_streams,omitempty" toml:"qpack_blocked_streams,omitempty"`
	// InboundBodyBufferLimit is the pause threshold for buffered request
	// body bytes per stream. Zero means rendezvous, negative unbounded.
	InboundBodyBufferLimit *int `json:"inbound_body_buffer_limit,omitempty" toml:"inbound_body_buffer_limit,omitempty"`
	// OutboundChunkSize caps the payload of each outbound DATA frame.
	OutboundChunkSize *int `json:"outbound_chunk_size,omitempty" toml:"outbound_chunk_size,omitempty"`
}

// TimeoutConfig holds the tracked deadlines as duration strings, e.g. "30s".
type TimeoutConfig struct {
	KeepAlive    *string `json:"keep_alive,omitempty" toml:"keep_alive,omitempty"`
	HeaderRead   *string `json:"header_read,omitempty" toml:"header_read,omitempty"`
	BodyRead     *string `json:"body_read,omitempty" toml:"body_read,omitempty"`
	RequestDrain *string `json:"request_drain,omitempty" toml:"request_drain,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `json:"log_level,omitempty" toml:"log_level,omitempty"`
}

// Defaults applied where the file is silent.
const (
	DefaultMaxFrameSize           uint64 = 1 << 20
	DefaultMaxFieldSectionSize    uint64 = 16 << 10
	DefaultQPACKMaxTableCapacity  uint64 = 4096
	DefaultOutboundChunkSize             = 16 << 10
	DefaultInboundBodyBufferLimit        = 64 << 10
	DefaultKeepAlive                     = 30 * time.Second
	DefaultHeaderRead                    = 10 * time.Second
	DefaultBodyRead                      = 30 * time.Second
	DefaultRequestDrain                  = 5 * time.Second
)

// LoadConfig reads, defaults, and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses raw TOML, applies defaults, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing TOML config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a fully defaulted configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	e := c.Engine
	if e.MaxFrameSize == nil {
		e.MaxFrameSize = ptr(DefaultMaxFrameSize)
	}
	if e.MaxFieldSectionSize == nil {
		e.MaxFieldSectionSize = ptr(DefaultMaxFieldSectionSize)
	}
	if e.QPACKMaxTableCapacity == nil {
		e.QPACKMaxTableCapacity = ptr(DefaultQPACKMaxTableCapacity)
	}
	if e.QPACKBlockedStreams == nil {
		e.QPACKBlockedStreams = ptr(uint64(0))
	}
	if e.InboundBodyBufferLimit == nil {
		e.InboundBodyBufferLimit = ptr(DefaultInboundBodyBufferLimit)
	}
	if e.OutboundChunkSize == nil {
		e.OutboundChunkSize = ptr(DefaultOutboundChunkSize)
	}

	if c.Timeouts == nil {
		c.Timeouts = &TimeoutConfig{}
	}
	t := c.Timeouts
	if t.KeepAlive == nil {
		t.KeepAlive = ptr(DefaultKeepAlive.String())
	}
	if t.HeaderRead == nil {
		t.HeaderRead = ptr(DefaultHeaderRead.String())
	}
	if t.BodyRead == nil {
		t.BodyRead = ptr(DefaultBodyRead.String())
	}
	if t.RequestDrain == nil {
		t.RequestDrain = ptr(DefaultRequestDrain.String())
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = LogLevelInfo
	}
}

// Validate checks every configured value, naming the offending key.
func (c *Config) Validate() error {
	e := c.Engine
	if *e.MaxFrameSize == 0 {
		return fmt.Errorf("config: engine.max_frame_size must be positive")
	}
	if *e.MaxFieldSectionSize == 0 {
		return fmt.Errorf("config: engine.max_field_section_size must be positive")
	}
	if *e.QPACKBlockedStreams != 0 {
		return fmt.Errorf("config: engine.qpack_blocked_streams: only 0 is supported")
	}
	if *e.OutboundChunkSize <= 0 {
		return fmt.Errorf("config: engine.outbound_chunk_size must be positive")
	}

	for key, val := range map[string]*string{
		"timeouts.keep_alive":    c.Timeouts.KeepAlive,
		"timeouts.header_read":   c.Timeouts.HeaderRead,
		"timeouts.body_read":     c.Timeouts.BodyRead,
		"timeouts.request_drain": c.Timeouts.RequestDrain,
	} {
		d, err := time.ParseDuration(*val)
		if err != nil {
			return fmt.Errorf("config: %s: invalid duration %q", key, *val)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", key)
		}
	}

	switch c.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("config: logging.log_level: unknown level %q", c.Logging.LogLevel)
	}

	seenExact := make(map[string]bool)
	for i, route := range c.Routes {
		if route.PathPattern == "" || route.PathPattern[0] != '/' {
			return fmt.Errorf("config: routes[%d].path_pattern must start with '/'", i)
		}
		switch route.MatchType {
		case MatchTypeExact:
			if seenExact[route.PathPattern] {
				return fmt.Errorf("config: routes[%d]: duplicate exact pattern %q", i, route.PathPattern)
			}
			seenExact[route.PathPattern] = true
		case MatchTypePrefix:
			if route.PathPattern[len(route.PathPattern)-1] != '/' {
				return fmt.Errorf("config: routes[%d]: prefix pattern %q must end with '/'", i, route.PathPattern)
			}
		default:
			return fmt.Errorf("config: routes[%d].match_type: unknown type %q", i, route.MatchType)
		}
		if route.HandlerType == "" {
			return fmt.Errorf("config: routes[%d].handler_type must be set", i)
		}
	}
	return nil
}

// Duration accessors; Validate has already vetted the strings.

func (t *TimeoutConfig) KeepAliveDuration() time.Duration    { return mustDuration(t.KeepAlive) }
func (t *TimeoutConfig) HeaderReadDuration() time.Duration   { return mustDuration(t.HeaderRead) }
func (t *TimeoutConfig) BodyReadDuration() time.Duration     { return mustDuration(t.BodyRead) }
func (t *TimeoutConfig) RequestDrainDuration() time.Duration { return mustDuration(t.RequestDrain) }

func mustDuration(s *string) time.Duration {
	d, err := time.ParseDuration(*s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q", *s))
	}
	return d
}

func ptr[T any](v T) *T { return &v }
