package server

import (
	"fmt"
)

// Config holds the server configuration.
type Config struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// TrustProxy takes the client address from X-Forwarded-For. Enable it
	// only behind a reverse proxy that sets the header.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// DefaultConfig returns the defaults config.Load also sets.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
