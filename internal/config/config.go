// Package config loads vigil configuration with Viper and decodes the
// per-component sections.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/HerbHall/vigil/internal/router"
)

// ViperConfig wraps a Viper instance. Components decode their own section
// through Sub(name).Unmarshal.
type ViperConfig struct {
	v *viper.Viper
}

// New creates a Config backed by the given Viper instance.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

// Unmarshal decodes the whole configuration into target. Fields already
// set in target are kept when the configuration does not mention them.
func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(key)
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *ViperConfig) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *ViperConfig) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *ViperConfig) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// Sub returns the section under key. A missing section is empty, so
// decoding it leaves the target's defaults untouched.
func (c *ViperConfig) Sub(key string) *ViperConfig {
	sub := c.v.Sub(key)
	if sub == nil {
		return New(nil)
	}
	return New(sub)
}

// Viper returns the underlying Viper instance for direct access
// (e.g., by the server for top-level config like server.port).
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}

// Load reads configuration from file and environment variables.
// Environment variables use the VIGIL_ prefix with dots replaced by
// underscores: VIGIL_SERVER_PORT=9090.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 10)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "720h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./data/vigil.db")
	v.SetDefault("rules.path", "")
	v.SetDefault("rules.reload_debounce", "500ms")
	v.SetDefault("router.policy", "fallback")
	v.SetDefault("sections.dir", "")
	v.SetDefault("ping.enabled", true)
	v.SetDefault("webhook.url", "")
	v.SetDefault("mqtt.broker_url", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("vigil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vigil")
	}

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}

var validate = validator.New()

type hostList struct {
	Hosts []hostEntry `mapstructure:"hosts" validate:"dive"`
}

type hostEntry struct {
	Name        string   `mapstructure:"name" validate:"required,hostname_rfc1123"`
	Address     string   `mapstructure:"address" validate:"omitempty,hostname_port|ip|hostname_rfc1123"`
	Tags        []string `mapstructure:"tags" validate:"dive,required"`
	Agent       bool     `mapstructure:"agent"`
	SNMP        bool     `mapstructure:"snmp"`
	Mgmt        bool     `mapstructure:"mgmt"`
	MgmtAddress string   `mapstructure:"mgmt_address" validate:"omitempty,hostname_port|ip|hostname_rfc1123"`
}

// Hosts decodes and validates the "hosts" list. Host names must be unique
// and every host needs at least one data path.
func Hosts(c *ViperConfig) ([]router.Host, error) {
	var list hostList
	if err := c.v.Unmarshal(&list); err != nil {
		return nil, fmt.Errorf("decode hosts: %w", err)
	}
	if err := validate.Struct(list); err != nil {
		return nil, fmt.Errorf("invalid hosts: %w", err)
	}

	seen := make(map[string]bool, len(list.Hosts))
	out := make([]router.Host, 0, len(list.Hosts))
	for _, h := range list.Hosts {
		if seen[h.Name] {
			return nil, fmt.Errorf("host %q is configured twice", h.Name)
		}
		seen[h.Name] = true
		if !h.Agent && !h.SNMP && !h.Mgmt {
			return nil, fmt.Errorf("host %q has no data source (agent, snmp or mgmt)", h.Name)
		}
		out = append(out, router.Host{
			Name:        h.Name,
			Address:     h.Address,
			Tags:        h.Tags,
			Agent:       h.Agent,
			SNMP:        h.SNMP,
			Mgmt:        h.Mgmt,
			MgmtAddress: h.MgmtAddress,
		})
	}
	return out, nil
}
