package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "{}\n"))
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, 64*1024, cfg.Moderation.MaxTextBytes)
		assert.Empty(t, cfg.Bias.Categories)
		assert.Equal(t, []string{"*"}, cfg.WebSocket.AllowedOrigins)
		assert.True(t, cfg.WebSocket.Events.BroadcastDetections)
	})

	t.Run("FileOverrides", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
server:
  port: 9191
  read_timeout: 3s
logging:
  level: debug
  format: console
bias:
  inclusive_terms:
    foreman: supervisor
  categories:
    - name: age_bias
      patterns:
        - 'too (young|old) for'
      alternatives:
        - Experience comes at every age
`))
		require.NoError(t, err)

		assert.Equal(t, 9191, cfg.Server.Port)
		assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, "console", cfg.Logging.Format)
		require.Len(t, cfg.Bias.Categories, 1)
		assert.Equal(t, "age_bias", cfg.Bias.Categories[0].Name)
		assert.Equal(t, []string{"too (young|old) for"}, cfg.Bias.Categories[0].Patterns)
		assert.Equal(t, "supervisor", cfg.Bias.InclusiveTerms["foreman"])
	})

	t.Run("EnvOverride", func(t *testing.T) {
		t.Setenv("BIAS_SENTINEL_SERVER_PORT", "7070")
		cfg, err := Load(writeConfig(t, "logging:\n  level: warn\n"))
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := Load(writeConfig(t, "logging:\n  level: loud\n"))
		assert.ErrorContains(t, err, "invalid log level")
	})

	t.Run("InvalidCategory", func(t *testing.T) {
		_, err := Load(writeConfig(t, "bias:\n  categories:\n    - name: empty\n"))
		assert.ErrorContains(t, err, "needs at least one pattern")
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"port", func(c *Config) { c.Server.Port = 0 }, false},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"max text", func(c *Config) { c.Moderation.MaxTextBytes = 0 }, false},
		{"rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, false},
		{"rate limit disabled", func(c *Config) { c.RateLimit.Enabled = false; c.RateLimit.Burst = 0 }, true},
		{"cache url", func(c *Config) { c.Cache.Enabled = true; c.Cache.RedisURL = "" }, false},
		{"duplicate category", func(c *Config) {
			cat := CategoryConfig{Name: "a", Patterns: []string{"x"}, Alternatives: []string{"y"}}
			c.Bias.Categories = []CategoryConfig{cat, cat}
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := GetDefaults()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "bias:\n  disable_severity: false\n")
	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	loader.Watch(func(cfg *Config) { changes <- cfg }, nil)

	require.NoError(t, os.WriteFile(path, []byte("bias:\n  disable_severity: true\n"), 0o600))

	select {
	case cfg := <-changes:
		assert.True(t, cfg.Bias.DisableSeverity)
	case <-time.After(5 * time.Second):
		t.Fatal("no configuration change observed")
	}
}
