package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Remote    RemoteConfig
	Cache     CacheConfig
	Store     StoreConfig
	Redis     RedisConfig
	SQLite    SQLiteConfig
	Bus       BusConfig
	Outbox    OutboxConfig
	Deposit   DepositConfig
	HTTP      HTTPConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// RemoteConfig configures the backend the engine mirrors
type RemoteConfig struct {
	BaseURL      string
	Timeout      time.Duration
	FetchRetries int
	RetryDelay   time.Duration
	Token        string
}

// CacheConfig holds the TTL classes
type CacheConfig struct {
	UserTTL    time.Duration
	SharedTTL  time.Duration
	RefreshTTL time.Duration
}

// StoreConfig selects the persistent store backend
type StoreConfig struct {
	Driver    string // memory, redis, sqlite
	KeyPrefix string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SQLiteConfig holds the durable local store settings
type SQLiteConfig struct {
	Path          string
	LogLevel      string
	SlowThreshold time.Duration
}

// BusConfig selects the cross-tab transport
type BusConfig struct {
	Transport      string // hub, redis
	ChannelPrefix  string
	IdempotencyTTL time.Duration
}

// OutboxConfig configures the reconciliation outbox
type OutboxConfig struct {
	Enabled          bool
	BatchSize        int
	PollInterval     time.Duration
	MaxRetries       int
	CleanupRetention time.Duration
	RefreshInterval  time.Duration
	ProcessingLease  time.Duration
}

// DepositConfig holds deposit defaults
type DepositConfig struct {
	SeedMethods bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Enabled      bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	// LogsEnabled also ships zap output over OTLP
	LogsEnabled bool
	// StoreTracing adds a span per SQLite statement
	StoreTracing bool
	Profiling    ProfilingConfig
}

// ProfilingConfig holds Pyroscope settings
type ProfilingConfig struct {
	Enabled       bool
	ServerAddress string
	Goroutines    bool
}

// Load reads config.toml from the working directory and applies
// DATASYNC_ environment overrides
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from the given file, or searches the default
// locations when path is empty. Priority (highest to lowest):
// 1. Environment variables with DATASYNC_ prefix (e.g., DATASYNC_REDIS_HOST)
// 2. config file
// 3. Built-in defaults
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/datasync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DATASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Remote: RemoteConfig{
			BaseURL:      v.GetString("remote.base_url"),
			Timeout:      v.GetDuration("remote.timeout"),
			FetchRetries: v.GetInt("remote.fetch_retries"),
			RetryDelay:   v.GetDuration("remote.retry_delay"),
			Token:        v.GetString("remote.token"),
		},
		Cache: CacheConfig{
			UserTTL:    v.GetDuration("cache.user_ttl"),
			SharedTTL:  v.GetDuration("cache.shared_ttl"),
			RefreshTTL: v.GetDuration("cache.refresh_ttl"),
		},
		Store: StoreConfig{
			Driver:    v.GetString("store.driver"),
			KeyPrefix: v.GetString("store.key_prefix"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		SQLite: SQLiteConfig{
			Path:          v.GetString("sqlite.path"),
			LogLevel:      v.GetString("sqlite.log_level"),
			SlowThreshold: v.GetDuration("sqlite.slow_threshold"),
		},
		Bus: BusConfig{
			Transport:      v.GetString("bus.transport"),
			ChannelPrefix:  v.GetString("bus.channel_prefix"),
			IdempotencyTTL: v.GetDuration("bus.idempotency_ttl"),
		},
		Outbox: OutboxConfig{
			Enabled:          !v.IsSet("outbox.enabled") || v.GetBool("outbox.enabled"),
			BatchSize:        v.GetInt("outbox.batch_size"),
			PollInterval:     v.GetDuration("outbox.poll_interval"),
			MaxRetries:       v.GetInt("outbox.max_retries"),
			CleanupRetention: v.GetDuration("outbox.cleanup_retention"),
			RefreshInterval:  v.GetDuration("outbox.refresh_interval"),
			ProcessingLease:  v.GetDuration("outbox.processing_lease"),
		},
		Deposit: DepositConfig{
			SeedMethods: !v.IsSet("deposit.seed_methods") || v.GetBool("deposit.seed_methods"),
		},
		HTTP: HTTPConfig{
			Enabled:      !v.IsSet("http.enabled") || v.GetBool("http.enabled"),
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
			IdleTimeout:  v.GetDuration("http.idle_timeout"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			StoreTracing:      v.GetBool("telemetry.store_tracing"),
			Profiling: ProfilingConfig{
				Enabled:       v.GetBool("telemetry.profiling.enabled"),
				ServerAddress: v.GetString("telemetry.profiling.server_address"),
				Goroutines:    v.GetBool("telemetry.profiling.goroutines"),
			},
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "datasync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Remote.BaseURL == "" {
		cfg.Remote.BaseURL = "http://localhost:3000"
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 10 * time.Second
	}
	if cfg.Remote.FetchRetries == 0 {
		cfg.Remote.FetchRetries = 2
	}
	if cfg.Remote.RetryDelay == 0 {
		cfg.Remote.RetryDelay = time.Second
	}
	if cfg.Cache.UserTTL == 0 {
		cfg.Cache.UserTTL = 2 * time.Minute
	}
	if cfg.Cache.SharedTTL == 0 {
		cfg.Cache.SharedTTL = 5 * time.Minute
	}
	if cfg.Cache.RefreshTTL == 0 {
		cfg.Cache.RefreshTTL = 30 * time.Minute
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "datasync:"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "datasync.db"
	}
	if cfg.SQLite.LogLevel == "" {
		cfg.SQLite.LogLevel = "warn"
	}
	if cfg.SQLite.SlowThreshold == 0 {
		cfg.SQLite.SlowThreshold = 200 * time.Millisecond
	}
	if cfg.Bus.Transport == "" {
		cfg.Bus.Transport = "hub"
	}
	if cfg.Bus.ChannelPrefix == "" {
		cfg.Bus.ChannelPrefix = "datasync:bus:"
	}
	if cfg.Bus.IdempotencyTTL == 0 {
		cfg.Bus.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 50
	}
	if cfg.Outbox.PollInterval == 0 {
		cfg.Outbox.PollInterval = 5 * time.Second
	}
	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = 5
	}
	if cfg.Outbox.CleanupRetention == 0 {
		cfg.Outbox.CleanupRetention = 24 * time.Hour
	}
	if cfg.Outbox.RefreshInterval == 0 {
		cfg.Outbox.RefreshInterval = time.Minute
	}
	if cfg.Outbox.ProcessingLease == 0 {
		cfg.Outbox.ProcessingLease = 2 * time.Minute
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("store.driver must be one of memory, redis, sqlite, got %q", c.Store.Driver)
	}
	switch c.Bus.Transport {
	case "hub", "redis":
	default:
		return fmt.Errorf("bus.transport must be hub or redis, got %q", c.Bus.Transport)
	}
	if c.Remote.FetchRetries < 0 {
		return fmt.Errorf("remote.fetch_retries cannot be negative")
	}
	if c.Cache.UserTTL > c.Cache.RefreshTTL || c.Cache.SharedTTL > c.Cache.RefreshTTL {
		return fmt.Errorf("cache.refresh_ttl (%s) must not be shorter than the user and shared TTLs", c.Cache.RefreshTTL)
	}
	if c.Outbox.MaxRetries < 1 {
		return fmt.Errorf("outbox.max_retries must be positive")
	}
	if c.Telemetry.Profiling.Enabled && c.Telemetry.Profiling.ServerAddress == "" {
		return fmt.Errorf("telemetry.profiling.server_address is required when profiling is enabled")
	}
	if c.App.Env == "production" {
		if c.Store.Driver == "memory" {
			return fmt.Errorf("store.driver=memory is not allowed in production")
		}
		if !strings.HasPrefix(c.Remote.BaseURL, "https://") {
			return fmt.Errorf("remote.base_url must use https in production")
		}
	}
	return nil
}
