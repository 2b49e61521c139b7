package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	NATS   NATSConfig
	Redis  RedisConfig
	Store  StoreConfig
	App    AppConfig
	Engine EngineConfig
}

type NATSConfig struct {
	URL           string
	MaxReconnects int `mapstructure:"max_reconnects"`
	Streams       StreamConfig
}

type StreamConfig struct {
	CommandSubject string `mapstructure:"commands"`
	MessageSubject string `mapstructure:"messages"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int `mapstructure:"pool_size"`
	// TerminalTTL expires finished workflows and their context. 0 keeps them.
	TerminalTTL time.Duration `mapstructure:"terminal_ttl"`
}

type StoreConfig struct {
	// Driver is "redis" or "sqlite".
	Driver     string
	SQLitePath string `mapstructure:"sqlite_path"`
}

type AppConfig struct {
	WorkerID    string `mapstructure:"worker_id"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	Port        string
	MetricsPort string `mapstructure:"metrics_port"`
}

type EngineConfig struct {
	Workers             int
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	ExternalMaxAttempts int           `mapstructure:"external_max_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	LeaseGrace          time.Duration `mapstructure:"lease_grace"`
	WatchdogInterval    time.Duration `mapstructure:"watchdog_interval"`
	MaxDwell            time.Duration `mapstructure:"max_dwell"`
	QuoteTimeout        time.Duration `mapstructure:"quote_timeout"`
	QuotePolicy         string        `mapstructure:"quote_policy"`
	MinQuotes           int           `mapstructure:"min_quotes"`
}

var envKeys = []string{
	"nats.url",
	"nats.max_reconnects",
	"nats.streams.commands",
	"nats.streams.messages",
	"redis.addr",
	"redis.password",
	"redis.db",
	"redis.pool_size",
	"redis.terminal_ttl",
	"store.driver",
	"store.sqlite_path",
	"app.worker_id",
	"app.log_level",
	"app.log_format",
	"app.port",
	"app.metrics_port",
	"engine.workers",
	"engine.poll_interval",
	"engine.job_timeout",
	"engine.max_attempts",
	"engine.external_max_attempts",
	"engine.backoff_base",
	"engine.backoff_max",
	"engine.lease_grace",
	"engine.watchdog_interval",
	"engine.max_dwell",
	"engine.quote_timeout",
	"engine.quote_policy",
	"engine.min_quotes",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.streams.commands", "rfp.command")
	v.SetDefault("nats.streams.messages", "rfp.message")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.terminal_ttl", "168h")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.sqlite_path", "skyrfp.db")

	v.SetDefault("app.worker_id", "worker-1")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.metrics_port", "9090")

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.poll_interval", "250ms")
	v.SetDefault("engine.job_timeout", "2m")
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.external_max_attempts", 2)
	v.SetDefault("engine.backoff_base", "1s")
	v.SetDefault("engine.backoff_max", "5m")
	v.SetDefault("engine.lease_grace", "30s")
	v.SetDefault("engine.watchdog_interval", "30s")
	v.SetDefault("engine.max_dwell", "30m")
	v.SetDefault("engine.quote_timeout", "24h")
	v.SetDefault("engine.quote_policy", "min_count")
	v.SetDefault("engine.min_quotes", 3)
}

// Load reads defaults, an optional config file named by SKYRFP_CONFIG_FILE,
// then SKYRFP_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SKYRFP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	_ = v.BindEnv("config_file")
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Engine.QuotePolicy {
	case "min_count", "manual":
	default:
		return fmt.Errorf("unknown quote policy %q", c.Engine.QuotePolicy)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive")
	}
	if c.Engine.BackoffBase <= 0 || c.Engine.BackoffMax < c.Engine.BackoffBase {
		return fmt.Errorf("engine backoff must satisfy 0 < base <= max")
	}
	return nil
}
