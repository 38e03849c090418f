package config

// Changes describes what differs between two configurations.
type Changes struct {
	// Backend is set when new sessions should dial a different address.
	Backend bool

	// LogLevel is set when the logger level should be changed in place.
	LogLevel bool

	// RestartRequired lists keys that changed but only take effect after a
	// restart.
	RestartRequired []string
}

// HasChanges reports whether anything changed.
func (c Changes) HasChanges() bool {
	return c.Backend || c.LogLevel || len(c.RestartRequired) > 0
}

// Diff compares the running configuration with a reloaded one.
func Diff(current, next *Config) Changes {
	var ch Changes
	if current == nil || next == nil {
		return ch
	}

	ch.Backend = current.Backend != next.Backend
	ch.LogLevel = current.Log.Level != next.Log.Level

	restart := []struct {
		key     string
		changed bool
	}{
		{"listen", current.Listen != next.Listen},
		{"max_connections", current.MaxConnections != next.MaxConnections},
		{"shutdown_timeout", current.ShutdownTimeout != next.ShutdownTimeout},
		{"log.format", current.Log.Format != next.Log.Format},
		{"log.output", current.Log.Output != next.Log.Output},
		{"relay", current.Relay != next.Relay},
		{"admin", current.Admin != next.Admin},
		{"tracing", current.Tracing != next.Tracing},
		{"circuit_breaker", current.CircuitBreaker != next.CircuitBreaker},
	}
	for _, r := range restart {
		if r.changed {
			ch.RestartRequired = append(ch.RestartRequired, r.key)
		}
	}
	return ch
}
