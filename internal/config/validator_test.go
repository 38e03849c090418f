package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tcp3h/internal/util"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:8080"
	cfg.Backend = "127.0.0.1:9000"
	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing listen", mutate: func(c *Config) { c.Listen = "" }, wantField: "listen"},
		{name: "listen host name", mutate: func(c *Config) { c.Listen = "localhost:8080" }, wantField: "listen"},
		{name: "missing backend", mutate: func(c *Config) { c.Backend = "" }, wantField: "backend"},
		{name: "backend zero port", mutate: func(c *Config) { c.Backend = "127.0.0.1:0" }, wantField: "backend"},
		{name: "backend equals listen", mutate: func(c *Config) { c.Backend = c.Listen }, wantField: "backend"},
		{name: "negative max connections", mutate: func(c *Config) { c.MaxConnections = -1 }, wantField: "max_connections"},
		{name: "negative shutdown timeout", mutate: func(c *Config) { c.ShutdownTimeout = -1 }, wantField: "shutdown_timeout"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "chatty" }, wantField: "log.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantField: "log.format"},
		{name: "bad log output", mutate: func(c *Config) { c.Log.Output = "/var/log/x" }, wantField: "log.output"},
		{name: "zero buffer", mutate: func(c *Config) { c.Relay.BufferSize = 0 }, wantField: "relay.buffer_size"},
		{name: "negative connect timeout", mutate: func(c *Config) { c.Relay.ConnectTimeout = -1 }, wantField: "relay.connect_timeout"},
		{name: "negative header timeout", mutate: func(c *Config) { c.Relay.HeaderWriteTimeout = -1 }, wantField: "relay.header_write_timeout"},
		{name: "negative drain timeout", mutate: func(c *Config) { c.Relay.DrainTimeout = -1 }, wantField: "relay.drain_timeout"},
		{
			name:      "admin enabled with bad address",
			mutate:    func(c *Config) { c.Admin = AdminConfig{Enabled: true, Address: ":9090"} },
			wantField: "admin.address",
		},
		{name: "admin disabled ignores address", mutate: func(c *Config) { c.Admin.Address = "" }},
		{
			name:      "tracing bad sampling rate",
			mutate:    func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SamplingRate = 2 },
			wantField: "tracing.sampling_rate",
		},
		{
			name:      "tracing empty service name",
			mutate:    func(c *Config) { c.Tracing.Enabled = true; c.Tracing.ServiceName = " " },
			wantField: "tracing.service_name",
		},
		{
			name:      "breaker zero threshold",
			mutate:    func(c *Config) { c.CircuitBreaker.Enabled = true; c.CircuitBreaker.Threshold = 0 },
			wantField: "circuit_breaker.threshold",
		},
		{
			name:      "breaker zero timeout",
			mutate:    func(c *Config) { c.CircuitBreaker.Enabled = true; c.CircuitBreaker.Timeout = 0 },
			wantField: "circuit_breaker.timeout",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, util.ErrConfigInvalid))
			var verr *util.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.wantField)
		})
	}
}

func TestValidateConfig_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Log.Level = "nope"

	err := ValidateConfig(cfg)
	var verr *util.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 3)
	assert.Contains(t, verr.Fields, "listen")
	assert.Contains(t, verr.Fields, "backend")
	assert.Contains(t, verr.Fields, "log.level")
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()

	assert.Error(t, ValidateConfig(nil))
}
