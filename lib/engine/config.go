package engine

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// Config holds every recognized engine option.
type Config struct {
	// Redis endpoint.
	Host     string
	Port     string
	Database int
	Password string
	SSL      bool

	// Optional Sentinel-based master discovery; the plain host/port pair
	// is used whenever these are empty.
	MasterName    string
	SentinelAddrs []string

	// Command-pool sizing.
	PoolSize    int
	PoolTimeout time.Duration

	// Per-operation deadlines.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Retry policy.
	MaxRetries int
	RetryDelay time.Duration

	// Session and data TTLs.
	ClientTimeout   time.Duration
	MessageTTL      time.Duration
	SubscriptionTTL time.Duration

	// GC.
	GCInterval time.Duration

	// Orphan-cleanup batching, clamped to [1, 1000].
	CleanupBatchSize int

	// PUB/SUB reconnect policy.
	PubSubMaxReconnectAttempts int
	PubSubReconnectDelay       time.Duration

	// Key prefix.
	Namespace string

	// "silent" / "error" / "info" / "debug".
	LogLevel string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Host:                       "localhost",
		Port:                       "6379",
		Database:                   0,
		PoolSize:                   5,
		PoolTimeout:                5 * time.Second,
		ConnectTimeout:             1 * time.Second,
		ReadTimeout:                1 * time.Second,
		WriteTimeout:               1 * time.Second,
		MaxRetries:                 3,
		RetryDelay:                 1 * time.Second,
		ClientTimeout:              60 * time.Second,
		MessageTTL:                 3600 * time.Second,
		SubscriptionTTL:            3600 * time.Second,
		GCInterval:                 60 * time.Second,
		CleanupBatchSize:           50,
		PubSubMaxReconnectAttempts: 10,
		PubSubReconnectDelay:       1 * time.Second,
		Namespace:                  "faye",
		LogLevel:                   "info",
	}
}

// LoadConfig binds the option table onto a Config via Viper, honoring
// FAYE_REDIS_<OPTION> environment overrides and any config file already
// loaded into v. Unset options fall back to DefaultConfig.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if v == nil {
		v = viper.New()
	}

	v.SetEnvPrefix("FAYE_REDIS")
	v.AutomaticEnv()

	setDefault := func(key string, value interface{}) {
		v.SetDefault(key, value)
	}
	setDefault("host", cfg.Host)
	setDefault("port", cfg.Port)
	setDefault("database", cfg.Database)
	setDefault("password", cfg.Password)
	setDefault("ssl", cfg.SSL)
	setDefault("master_name", cfg.MasterName)
	setDefault("pool_size", cfg.PoolSize)
	setDefault("pool_timeout", cfg.PoolTimeout)
	setDefault("connect_timeout", cfg.ConnectTimeout)
	setDefault("read_timeout", cfg.ReadTimeout)
	setDefault("write_timeout", cfg.WriteTimeout)
	setDefault("max_retries", cfg.MaxRetries)
	setDefault("retry_delay", cfg.RetryDelay)
	setDefault("client_timeout", cfg.ClientTimeout)
	setDefault("message_ttl", cfg.MessageTTL)
	setDefault("subscription_ttl", cfg.SubscriptionTTL)
	setDefault("gc_interval", cfg.GCInterval)
	setDefault("cleanup_batch_size", cfg.CleanupBatchSize)
	setDefault("pubsub_max_reconnect_attempts", cfg.PubSubMaxReconnectAttempts)
	setDefault("pubsub_reconnect_delay", cfg.PubSubReconnectDelay)
	setDefault("namespace", cfg.Namespace)
	setDefault("log_level", cfg.LogLevel)

	cfg.Host = v.GetString("host")
	cfg.Port = v.GetString("port")
	cfg.Database = v.GetInt("database")
	cfg.Password = v.GetString("password")
	cfg.SSL = v.GetBool("ssl")
	cfg.MasterName = v.GetString("master_name")
	cfg.SentinelAddrs = v.GetStringSlice("sentinel_addrs")
	cfg.PoolSize = v.GetInt("pool_size")
	cfg.PoolTimeout = v.GetDuration("pool_timeout")
	cfg.ConnectTimeout = v.GetDuration("connect_timeout")
	cfg.ReadTimeout = v.GetDuration("read_timeout")
	cfg.WriteTimeout = v.GetDuration("write_timeout")
	cfg.MaxRetries = v.GetInt("max_retries")
	cfg.RetryDelay = v.GetDuration("retry_delay")
	cfg.ClientTimeout = v.GetDuration("client_timeout")
	cfg.MessageTTL = v.GetDuration("message_ttl")
	cfg.SubscriptionTTL = v.GetDuration("subscription_ttl")
	cfg.GCInterval = v.GetDuration("gc_interval")
	cfg.CleanupBatchSize = v.GetInt("cleanup_batch_size")
	cfg.PubSubMaxReconnectAttempts = v.GetInt("pubsub_max_reconnect_attempts")
	cfg.PubSubReconnectDelay = v.GetDuration("pubsub_reconnect_delay")
	cfg.Namespace = v.GetString("namespace")
	cfg.LogLevel = v.GetString("log_level")

	cfg.normalize()

	if _, ok := logging.StringToLevel[cfg.LogLevel]; !ok {
		return cfg, fmt.Errorf("engine: invalid log_level %q", cfg.LogLevel)
	}
	return cfg, nil
}

// normalize clamps cleanup_batch_size to [1, 1000] and fills in a
// namespace if the caller zeroed it out.
func (c *Config) normalize() {
	if c.CleanupBatchSize < 1 {
		c.CleanupBatchSize = 1
	}
	if c.CleanupBatchSize > 1000 {
		c.CleanupBatchSize = 1000
	}
	if c.Namespace == "" {
		c.Namespace = "faye"
	}
}

func (c Config) logLevel() logging.Level {
	if lvl, ok := logging.StringToLevel[c.LogLevel]; ok {
		return lvl
	}
	return logging.INFO
}

func (c Config) usesSentinel() bool {
	return c.MasterName != "" && len(c.SentinelAddrs) > 0
}
