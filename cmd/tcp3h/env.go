package main

import "os"

// Environment variables read as flag defaults.
const (
	envConfig      = "TCP3H_CONFIG"
	envLogLevel    = "TCP3H_LOG_LEVEL"
	envLogFormat   = "TCP3H_LOG_FORMAT"
	envAdminListen = "TCP3H_ADMIN_LISTEN"
)

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
