package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Prices PricesConfig `mapstructure:"prices"`
	Import ImportConfig `mapstructure:"import"`
	Sweep  SweepConfig  `mapstructure:"sweep"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig selects the PostgreSQL store. An empty DSN means in-memory.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// RedisConfig enables the read-through cache and the price:<TICKER> source.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// PricesConfig is a static ticker → price table consulted after Redis.
type PricesConfig struct {
	Static map[string]string `mapstructure:"static"`
}

type ImportConfig struct {
	MaxParallel int `mapstructure:"max_parallel"`
}

type SweepConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Load reads path (YAML) when given, then applies WHEEL_* environment
// overrides, e.g. WHEEL_DB_DSN for db.dsn. DATABASE_URL, REDIS_URL and
// PORT are honored too.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("import.max_parallel", 4)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 5m")

	if err := v.BindEnv("db.dsn", "WHEEL_DB_DSN", "DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if err := v.BindEnv("redis.url", "WHEEL_REDIS_URL", "REDIS_URL"); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	// PORT is what most container platforms set.
	if port := os.Getenv("PORT"); port != "" && os.Getenv("WHEEL_SERVER_HTTP_ADDR") == "" {
		cfg.Server.HTTPAddr = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Import.MaxParallel < 1 {
		return fmt.Errorf("import.max_parallel must be at least 1, got %d", c.Import.MaxParallel)
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.Log.Encoding)
	}
	if c.Sweep.Enabled && strings.TrimSpace(c.Sweep.Schedule) == "" {
		return fmt.Errorf("sweep.schedule is required when the sweep is enabled")
	}
	return nil
}
