package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/tcp3h/internal/observability"
	"github.com/vyrodovalexey/tcp3h/internal/util"
)

// Validator collects configuration problems keyed by YAML path.
type Validator struct {
	err *util.ValidationError
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		err: util.NewValidationError("invalid configuration"),
	}
}

// ValidateConfig validates cfg and returns a *util.ValidationError listing
// every problem, or nil.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates cfg.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return util.NewValidationError("configuration is nil")
	}

	v.validateAddresses(cfg)
	v.validateLimits(cfg)
	v.validateLog(&cfg.Log)
	v.validateRelay(&cfg.Relay)
	v.validateAdmin(&cfg.Admin)
	v.validateTracing(&cfg.Tracing)
	v.validateCircuitBreaker(&cfg.CircuitBreaker)

	if v.err.HasErrors() {
		return v.err
	}
	return nil
}

func (v *Validator) addError(path, format string, args ...interface{}) {
	v.err.AddField(path, fmt.Sprintf(format, args...))
}

func (v *Validator) validateAddresses(cfg *Config) {
	listen, err := cfg.ListenAddr()
	if err != nil {
		v.addError("listen", "%v", err)
	}

	backend, err := cfg.BackendAddr()
	if err != nil {
		v.addError("backend", "%v", err)
		return
	}

	if listen.IsValid() && listen == backend {
		v.addError("backend", "must differ from listen address %s", listen)
	}
}

func (v *Validator) validateLimits(cfg *Config) {
	if cfg.MaxConnections < 0 {
		v.addError("max_connections", "must not be negative, got %d", cfg.MaxConnections)
	}
	if err := util.ValidateDuration(cfg.ShutdownTimeout.Duration()); err != nil {
		v.addError("shutdown_timeout", "%v", err)
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	if err := observability.ValidateLevel(cfg.Level); err != nil {
		v.addError("log.level", "unknown level %q", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "console":
	default:
		v.addError("log.format", "must be json or console, got %q", cfg.Format)
	}
	switch strings.ToLower(cfg.Output) {
	case "stdout", "stderr":
	default:
		v.addError("log.output", "must be stdout or stderr, got %q", cfg.Output)
	}
}

func (v *Validator) validateRelay(cfg *RelayConfig) {
	if cfg.BufferSize <= 0 {
		v.addError("relay.buffer_size", "must be positive, got %d", cfg.BufferSize)
	}
	if err := util.ValidateDuration(cfg.ConnectTimeout.Duration()); err != nil {
		v.addError("relay.connect_timeout", "%v", err)
	}
	if err := util.ValidateDuration(cfg.HeaderWriteTimeout.Duration()); err != nil {
		v.addError("relay.header_write_timeout", "%v", err)
	}
	if err := util.ValidateDuration(cfg.DrainTimeout.Duration()); err != nil {
		v.addError("relay.drain_timeout", "%v", err)
	}
}

func (v *Validator) validateAdmin(cfg *AdminConfig) {
	if !cfg.Enabled {
		return
	}
	if _, err := util.ParseSocketAddr(cfg.Address); err != nil {
		v.addError("admin.address", "%v", err)
	}
}

func (v *Validator) validateTracing(cfg *TracingConfig) {
	if !cfg.Enabled {
		return
	}
	if err := util.ValidateRatio(cfg.SamplingRate); err != nil {
		v.addError("tracing.sampling_rate", "%v", err)
	}
	if err := util.ValidateNonEmpty(cfg.ServiceName, "service_name"); err != nil {
		v.addError("tracing.service_name", "%v", err)
	}
}

func (v *Validator) validateCircuitBreaker(cfg *CircuitBreakerConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Threshold <= 0 {
		v.addError("circuit_breaker.threshold", "must be positive, got %d", cfg.Threshold)
	}
	if err := util.ValidatePositiveDuration(cfg.Timeout.Duration()); err != nil {
		v.addError("circuit_breaker.timeout", "%v", err)
	}
}
