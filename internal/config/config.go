package config

import (
	"net/netip"
	"time"

	"github.com/vyrodovalexey/tcp3h/internal/util"
)

// Default values applied before a file is decoded.
const (
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultBufferSize         = 32 * 1024
	DefaultConnectTimeout     = 5 * time.Second
	DefaultHeaderWriteTimeout = 10 * time.Second
	DefaultAdminAddress       = "127.0.0.1:9090"
	DefaultServiceName        = "tcp3h"
	DefaultBreakerThreshold   = 5
	DefaultBreakerTimeout     = 30 * time.Second
)

// Config is the complete relay configuration.
type Config struct {
	// Listen is the ip:port the relay accepts clients on.
	Listen string `yaml:"listen" json:"listen"`

	// Backend is the ip:port every session is forwarded to.
	Backend string `yaml:"backend" json:"backend"`

	// MaxConnections caps concurrent sessions. Zero means unbounded.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// ShutdownTimeout bounds how long Stop waits for sessions to drain.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	Log            LogConfig            `yaml:"log" json:"log"`
	Relay          RelayConfig          `yaml:"relay" json:"relay"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// RelayConfig configures each relay session.
type RelayConfig struct {
	BufferSize         int      `yaml:"buffer_size" json:"buffer_size"`
	ConnectTimeout     Duration `yaml:"connect_timeout" json:"connect_timeout"`
	HeaderWriteTimeout Duration `yaml:"header_write_timeout" json:"header_write_timeout"`
	DrainTimeout       Duration `yaml:"drain_timeout" json:"drain_timeout"`

	// VerifyHeader re-decodes every encoded header before it is sent.
	VerifyHeader bool `yaml:"verify_header" json:"verify_header"`

	// SendUniqueID appends a PP2_TYPE_UNIQUE_ID TLV carrying the session ID.
	SendUniqueID bool `yaml:"send_unique_id" json:"send_unique_id"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
}

// CircuitBreakerConfig configures the backend dial circuit breaker.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold" json:"threshold"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns a configuration with every default filled in.
// Listen and Backend have no default.
func DefaultConfig() *Config {
	return &Config{
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Relay: RelayConfig{
			BufferSize:         DefaultBufferSize,
			ConnectTimeout:     Duration(DefaultConnectTimeout),
			HeaderWriteTimeout: Duration(DefaultHeaderWriteTimeout),
			VerifyHeader:       true,
		},
		Admin: AdminConfig{
			Address: DefaultAdminAddress,
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  DefaultServiceName,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: DefaultBreakerThreshold,
			Timeout:   Duration(DefaultBreakerTimeout),
		},
	}
}

// ListenAddr parses Listen.
func (c *Config) ListenAddr() (netip.AddrPort, error) {
	return util.ParseSocketAddr(c.Listen)
}

// BackendAddr parses Backend.
func (c *Config) BackendAddr() (netip.AddrPort, error) {
	return util.ValidateBackendAddr(c.Backend)
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
