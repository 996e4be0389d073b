// Package config defines the gateway configuration, its loader, and the
// file watcher used for hot reload.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/maxvoron/edgegate/internal/util"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Upstream configures the downstream forward target.
	Upstream UpstreamConfig `yaml:"upstream"`

	// Redis configures the shared expiring store.
	Redis RedisConfig `yaml:"redis"`

	// Permit configures the authorization service client.
	Permit PermitConfig `yaml:"permit"`

	// Routes configures route resolution.
	Routes RoutesConfig `yaml:"routes"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// UpstreamConfig configures the single forward target. Downstream target
// selection beyond this is handled by surrounding infrastructure.
type UpstreamConfig struct {
	// Target is the backend base URL requests are forwarded to.
	Target string `yaml:"target"`

	// FlushInterval is the streaming flush interval for proxied
	// responses. Negative flushes immediately after each write.
	FlushInterval Duration `yaml:"flushInterval"`
}

// RedisConfig configures the shared store connection.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PermitConfig configures the authorization service client.
type PermitConfig struct {
	// BaseURL is the authorization service base URL.
	BaseURL string `yaml:"baseURL"`

	// Timeout bounds one upstream call.
	Timeout Duration `yaml:"timeout"`
}

// RoutesConfig configures route resolution.
type RoutesConfig struct {
	// RefreshInterval is the route index staleness window.
	RefreshInterval Duration `yaml:"refreshInterval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Upstream: UpstreamConfig{
			FlushInterval: Duration(100 * time.Millisecond),
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Permit: PermitConfig{
			BaseURL: "http://base-auth",
			Timeout: Duration(5 * time.Second),
		},
		Routes: RoutesConfig{
			RefreshInterval: Duration(60 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return util.NewConfigError("listen", "listen address is required")
	}

	if c.Upstream.Target == "" {
		return util.NewConfigError("upstream.target", "forward target is required")
	}
	if _, err := url.Parse(c.Upstream.Target); err != nil {
		return util.NewConfigErrorWithCause("upstream.target",
			fmt.Sprintf("invalid target URL %q", c.Upstream.Target), err)
	}

	if c.Redis.Address == "" {
		return util.NewConfigError("redis.address", "shared store address is required")
	}

	if c.Permit.BaseURL == "" {
		return util.NewConfigError("permit.baseURL", "authorization service URL is required")
	}

	if c.Routes.RefreshInterval.Std() <= 0 {
		return util.NewConfigError("routes.refreshInterval", "refresh interval must be positive")
	}

	return nil
}

// Duration wraps time.Duration for YAML decoding of "5s"-style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
