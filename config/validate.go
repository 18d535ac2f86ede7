package config

import (
	"fmt"
	"strings"
)

// Validate checks the service settings and that every section resolves.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is missing")
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server: rate limit must be non-negative")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.AuthSecret() == "" {
		return fmt.Errorf("server: auth enabled without an HMAC secret")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: endpoint required when exporting")
	}
	_, err := c.Resolve()
	return err
}
