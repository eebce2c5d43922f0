package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override, e.g. IDENTITY_REDIS_ADDR
const envPrefix = "IDENTITY_"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Redis       RedisConfig       `yaml:"redis" envPrefix:"REDIS_"`
	Postgres    PostgresConfig    `yaml:"postgres" envPrefix:"POSTGRES_"`
	Kafka       KafkaConfig       `yaml:"kafka" envPrefix:"KAFKA_"`
	Resolver    ResolverConfig    `yaml:"resolver" envPrefix:"RESOLVER_"`
	Cache       CacheConfig       `yaml:"cache" envPrefix:"CACHE_"`
	Persistence PersistenceConfig `yaml:"persistence" envPrefix:"PERSISTENCE_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// NameTTL bounds how long a name<->uuid mapping is trusted; zero keeps it forever
	NameTTL time.Duration `yaml:"name_ttl" env:"NAME_TTL"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MinConnections  int           `yaml:"min_connections" env:"MIN_CONNECTIONS"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds the roster event consumer configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic        string        `yaml:"topic" env:"TOPIC"`
	GroupID      string        `yaml:"group_id" env:"GROUP_ID"`
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE"`
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
}

// ResolverConfig holds external identity service configuration
type ResolverConfig struct {
	// NameURL is the base for name -> uuid lookups; the name is appended
	NameURL string `yaml:"name_url" env:"NAME_URL"`
	// ProfileURL is the base for uuid -> name lookups; the undashed uuid is appended
	ProfileURL string        `yaml:"profile_url" env:"PROFILE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// RequestsPerSecond caps outbound calls; Burst allows short spikes
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`
	// Enabled turns off the remote lookup entirely (roster-only resolution)
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// CacheConfig holds identity cache configuration
type CacheConfig struct {
	MaxEntries  int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	NegativeTTL time.Duration `yaml:"negative_ttl" env:"NEGATIVE_TTL"`
	// NegativeMaxEntries bounds the in-process negative cache
	NegativeMaxEntries int `yaml:"negative_max_entries" env:"NEGATIVE_MAX_ENTRIES"`
	// ResolveTimeout bounds one shared store/resolver lookup
	ResolveTimeout time.Duration `yaml:"resolve_timeout" env:"RESOLVE_TIMEOUT"`
}

// PersistenceConfig holds write-behind worker configuration
type PersistenceConfig struct {
	Workers         int           `yaml:"workers" env:"WORKERS"`
	RetryAttempts   int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// SlogLevel maps the configured level name onto slog
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from a YAML file, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv overlays IDENTITY_* environment variables on top of the file values
func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "player-roster"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "chat-identity"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 50
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 500 * time.Millisecond
	}

	// Resolver defaults
	if c.Resolver.NameURL == "" {
		c.Resolver.NameURL = "https://api.mojang.com/users/profiles/minecraft/"
	}
	if c.Resolver.ProfileURL == "" {
		c.Resolver.ProfileURL = "https://sessionserver.mojang.com/session/minecraft/profile/"
	}
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = 5 * time.Second
	}
	if c.Resolver.RequestsPerSecond == 0 {
		c.Resolver.RequestsPerSecond = 10
	}
	if c.Resolver.Burst == 0 {
		c.Resolver.Burst = 5
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 5 * time.Minute
	}
	if c.Cache.NegativeMaxEntries == 0 {
		c.Cache.NegativeMaxEntries = 1000
	}
	if c.Cache.ResolveTimeout == 0 {
		c.Cache.ResolveTimeout = 10 * time.Second
	}

	// Persistence defaults
	if c.Persistence.Workers == 0 {
		c.Persistence.Workers = 4
	}
	if c.Persistence.RetryAttempts == 0 {
		c.Persistence.RetryAttempts = 5
	}
	if c.Persistence.RetryDelay == 0 {
		c.Persistence.RetryDelay = 200 * time.Millisecond
	}
	if c.Persistence.RetryMaxDelay == 0 {
		c.Persistence.RetryMaxDelay = 10 * time.Second
	}
	if c.Persistence.WriteTimeout == 0 {
		c.Persistence.WriteTimeout = 5 * time.Second
	}
	if c.Persistence.ShutdownTimeout == 0 {
		c.Persistence.ShutdownTimeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Resolver.Enabled = true
	return cfg
}
