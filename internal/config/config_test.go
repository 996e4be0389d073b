package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/maxvoron/edgegate/internal/util"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, "http://base-auth", cfg.Permit.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.Routes.RefreshInterval.Std())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Upstream.Target = "http://backend:8000"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"missing target", func(c *Config) { c.Upstream.Target = "" }, "upstream.target"},
		{"missing redis", func(c *Config) { c.Redis.Address = "" }, "redis.address"},
		{"missing permit url", func(c *Config) { c.Permit.BaseURL = "" }, "permit.baseURL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, &util.ConfigError{})
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDurationYAML(t *testing.T) {
	t.Run("unmarshal", func(t *testing.T) {
		var doc struct {
			Timeout Duration `yaml:"timeout"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("timeout: 2m30s"), &doc))
		assert.Equal(t, 2*time.Minute+30*time.Second, doc.Timeout.Std())
	})

	t.Run("unmarshal invalid", func(t *testing.T) {
		var doc struct {
			Timeout Duration `yaml:"timeout"`
		}
		assert.Error(t, yaml.Unmarshal([]byte("timeout: not-a-duration"), &doc))
	})

	t.Run("round trip", func(t *testing.T) {
		type doc struct {
			Timeout Duration `yaml:"timeout"`
		}

		out, err := yaml.Marshal(doc{Timeout: Duration(90 * time.Second)})
		require.NoError(t, err)

		var back doc
		require.NoError(t, yaml.Unmarshal(out, &back))
		assert.Equal(t, 90*time.Second, back.Timeout.Std())
	})
}
