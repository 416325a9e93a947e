// ABOUTME: Application configuration loaded from defaults, an XDG config file, .env, and PMCRM_ env vars
// ABOUTME: Covers database, sync tuning, provider credentials, lock/event backends, logging, and metrics

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName names the XDG directories used for config, data, and tokens.
const AppName = "pmcrm"

// Config holds application configuration.
type Config struct {
	Database  DatabaseConfig
	Sync      SyncConfig
	Google    ProviderConfig
	Microsoft ProviderConfig
	OAuth     OAuthConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Log       LogConfig
	Metrics   MetricsConfig
	User      UserConfig
}

type DatabaseConfig struct {
	Path string
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxErrors       int           `mapstructure:"max_errors"`
	DefaultRegion   string        `mapstructure:"default_region"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	HandleRetention time.Duration `mapstructure:"handle_retention"`
	Retry           RetryConfig
}

type RetryConfig struct {
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// ProviderConfig is an OAuth client registration.
type ProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Tenant       string
	BaseURL      string `mapstructure:"base_url"`
}

type OAuthConfig struct {
	RedirectURL string        `mapstructure:"redirect_url"`
	StateTTL    time.Duration `mapstructure:"state_ttl"`
	StateDir    string        `mapstructure:"state_dir"`
}

// RedisConfig selects the distributed job lock. An empty Addr keeps locking in-process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig selects the event publisher. No brokers means events are only logged.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// MetricsConfig exposes Prometheus metrics on Addr when set.
type MetricsConfig struct {
	Addr string
}

// UserConfig names the local CRM user that owns imported contacts.
type UserConfig struct {
	ID string
}

// DefaultDatabasePath is where the database lives unless configured otherwise.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, AppName, AppName+".db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.max_errors", 100)
	v.SetDefault("sync.default_region", "US")
	v.SetDefault("sync.lock_ttl", 2*time.Minute)
	v.SetDefault("sync.handle_retention", 10*time.Minute)
	v.SetDefault("sync.retry.max_elapsed", 2*time.Minute)
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.base_url", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("microsoft.base_url", "")
	v.SetDefault("oauth.redirect_url", "http://localhost:8080/oauth/callback")
	v.SetDefault("oauth.state_ttl", 10*time.Minute)
	v.SetDefault("oauth.state_dir", filepath.Join(xdg.DataHome, AppName, "oauth-state"))
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "contacts.import.completed")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("user.id", "local")
}

// Load reads configuration. Precedence, highest first: PMCRM_ env vars, .env,
// the config file ($PMCRM_CONFIG or $XDG_CONFIG_HOME/pmcrm/config.toml), defaults.
func Load() (Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if path := os.Getenv("PMCRM_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("PMCRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Env values for list keys arrive as one comma-separated string.
	c.Kafka.Brokers = splitList(strings.Join(c.Kafka.Brokers, ","))
	return c, c.Validate()
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxErrors <= 0 {
		return fmt.Errorf("sync.max_errors must be positive, got %d", c.Sync.MaxErrors)
	}
	if c.User.ID == "" {
		return fmt.Errorf("user.id must be set")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
