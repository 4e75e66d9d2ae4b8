package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// BIAS_SENTINEL_SERVER_PORT=9090.
const EnvPrefix = "BIAS_SENTINEL"

// Loader reads configuration and keeps the viper instance around so the file
// can be watched later. Load and the watch callback are serialized.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader prepares a loader for configPath. An empty path searches the
// usual locations for config.yaml.
func NewLoader(configPath string) *Loader {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/bias-sentinel/")
	v.AddConfigPath("$HOME/.bias-sentinel/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads the file (if any) and returns the validated configuration
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	setDefaults(l.v, GetDefaults())

	if err := l.v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := GetDefaults()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Watch calls callback with every valid configuration written to the file
// after Load. Invalid edits are reported through onError and ignored.
func (l *Loader) Watch(callback func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload of %s rejected: %w", e.Name, err))
			}
			return
		}
		callback(cfg)
	})
	l.v.WatchConfig()
}

// ConfigFile returns the file the loader read, or "" when running on defaults
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// setDefaults registers scalar defaults with viper so that environment
// variables can override keys that are absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("moderation.record_incidents", d.Moderation.RecordIncidents)
	v.SetDefault("moderation.max_text_bytes", d.Moderation.MaxTextBytes)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("database.enabled", d.Database.Enabled)
	v.SetDefault("database.database_url", d.Database.DatabaseURL)
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_second", d.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.trust_proxy_headers", d.RateLimit.TrustProxyHeaders)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Moderation.MaxTextBytes <= 0 {
		return fmt.Errorf("invalid moderation.max_text_bytes: %d", config.Moderation.MaxTextBytes)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit needs positive requests_per_second and burst")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache enabled without redis_url")
	}

	if config.Database.Enabled && config.Database.DatabaseURL == "" {
		return fmt.Errorf("database enabled without database_url")
	}

	seen := make(map[string]bool)
	for i, cat := range config.Bias.Categories {
		if cat.Name == "" {
			return fmt.Errorf("bias category %d has no name", i)
		}
		if seen[cat.Name] {
			return fmt.Errorf("duplicate bias category: %s", cat.Name)
		}
		seen[cat.Name] = true
		if len(cat.Patterns) == 0 || len(cat.Alternatives) == 0 {
			return fmt.Errorf("bias category %s needs at least one pattern and one alternative", cat.Name)
		}
	}

	return nil
}
