package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMongo  = "mongodb"
	DriverSQLite = "sqlite"
)

type Store struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type Cache struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type Worker struct {
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
	MaxConcurrent int            `mapstructure:"max_concurrent"`
	PerTypeLimits map[string]int `mapstructure:"per_type_limits"`
	JobTimeout    time.Duration  `mapstructure:"job_timeout"`
}

type Webhook struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	AllowPrivate bool          `mapstructure:"allow_private"`
}

type Config struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	APIKeys      []string `mapstructure:"api_keys"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"`
	LogLevel     string   `mapstructure:"log_level"`
	Store        Store    `mapstructure:"store"`
	Cache        Cache    `mapstructure:"cache"`
	Worker       Worker   `mapstructure:"worker"`
	Webhook      Webhook  `mapstructure:"webhook"`
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the MEDIAFORGE_ prefix with dots replaced by
// underscores (MEDIAFORGE_WORKER_MAX_CONCURRENT, ...). Values are read once
// at startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	// Registering defaults makes env-only keys visible to Unmarshal.
	v.SetDefault("api_keys", []string{})
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("rate_limit_rps", 0)
	v.SetDefault("store.driver", DriverMongo)
	v.SetDefault("store.sqlite_path", "mediaforge.db")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "mediaforge")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.max_concurrent", 4)
	v.SetDefault("worker.per_type_limits", map[string]int{})
	v.SetDefault("worker.job_timeout", time.Duration(0))
	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("webhook.max_attempts", 1)
	v.SetDefault("webhook.allow_private", false)

	v.SetEnvPrefix("MEDIAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Maps cannot come through AutomaticEnv, so the per-type ceilings
	// accept a "type=limit,type=limit" string.
	if raw := os.Getenv("MEDIAFORGE_WORKER_PER_TYPE_LIMITS"); raw != "" {
		limits, err := parseTypeLimits(raw)
		if err != nil {
			return nil, fmt.Errorf("MEDIAFORGE_WORKER_PER_TYPE_LIMITS: %w", err)
		}
		v.Set("worker.per_type_limits", limits)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// MEDIAFORGE_API_KEYS arrives as one comma-separated string; file values
	// may carry stray whitespace.
	cfg.APIKeys = splitCSV(strings.Join(cfg.APIKeys, ","))
	cfg.CORSOrigins = splitCSV(strings.Join(cfg.CORSOrigins, ","))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMongo, DriverSQLite:
	default:
		return fmt.Errorf("store.driver %q must be one of: %s, %s", c.Store.Driver, DriverMongo, DriverSQLite)
	}
	if len(c.APIKeys) == 0 {
		return errors.New("api_keys must not be empty")
	}
	if c.Worker.MaxConcurrent < 1 {
		return errors.New("worker.max_concurrent must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("worker.poll_interval must be > 0")
	}
	for t, limit := range c.Worker.PerTypeLimits {
		if limit < 1 {
			return fmt.Errorf("worker.per_type_limits[%s] must be > 0", t)
		}
	}
	if c.Webhook.MaxAttempts < 1 {
		return errors.New("webhook.max_attempts must be > 0")
	}
	return nil
}

func parseTypeLimits(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q must be type=limit", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", part, err)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
