package engine

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	want := DefaultConfig()
	assert.Equal(t, want.Host, cfg.Host)
	assert.Equal(t, want.Port, cfg.Port)
	assert.Equal(t, want.PoolSize, cfg.PoolSize)
	assert.Equal(t, want.ClientTimeout, cfg.ClientTimeout)
	assert.Equal(t, want.MessageTTL, cfg.MessageTTL)
	assert.Equal(t, want.SubscriptionTTL, cfg.SubscriptionTTL)
	assert.Equal(t, want.GCInterval, cfg.GCInterval)
	assert.Equal(t, want.CleanupBatchSize, cfg.CleanupBatchSize)
	assert.Equal(t, want.PubSubMaxReconnectAttempts, cfg.PubSubMaxReconnectAttempts)
	assert.Equal(t, want.Namespace, cfg.Namespace)
	assert.Equal(t, want.LogLevel, cfg.LogLevel)
}

func TestLoadConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("FAYE_REDIS_HOST", "redis.internal")
	t.Setenv("FAYE_REDIS_NAMESPACE", "custom")
	t.Setenv("FAYE_REDIS_POOL_SIZE", "42")

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "redis.internal", cfg.Host)
	assert.Equal(t, "custom", cfg.Namespace)
	assert.Equal(t, 42, cfg.PoolSize)
}

func TestLoadConfigClampsCleanupBatchSize(t *testing.T) {
	t.Setenv("FAYE_REDIS_CLEANUP_BATCH_SIZE", "5000")
	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.CleanupBatchSize)

	t.Setenv("FAYE_REDIS_CLEANUP_BATCH_SIZE", "0")
	cfg, err = LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.CleanupBatchSize)
}

func TestLoadConfigRejectsInvalidLogLevel(t *testing.T) {
	t.Setenv("FAYE_REDIS_LOG_LEVEL", "verbose")
	_, err := LoadConfig(viper.New())
	assert.Error(t, err)
}

func TestConfigNormalizeFillsDefaultNamespace(t *testing.T) {
	c := Config{CleanupBatchSize: 50}
	c.normalize()
	assert.Equal(t, "faye", c.Namespace)
}

func TestConfigUsesSentinel(t *testing.T) {
	c := DefaultConfig()
	assert.False(t, c.usesSentinel())

	c.MasterName = "mymaster"
	c.SentinelAddrs = []string{"10.0.0.1:26379"}
	assert.True(t, c.usesSentinel())
}

func TestConfigLogLevelFallsBackToInfo(t *testing.T) {
	c := DefaultConfig()
	c.LogLevel = "bogus"
	assert.Equal(t, 2, int(c.logLevel())) // logging.INFO
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 60*time.Second, c.ClientTimeout)
	assert.Equal(t, 3600*time.Second, c.MessageTTL)
	assert.Equal(t, 3600*time.Second, c.SubscriptionTTL)
	assert.Equal(t, 60*time.Second, c.GCInterval)
	assert.Equal(t, 50, c.CleanupBatchSize)
	assert.Equal(t, 10, c.PubSubMaxReconnectAttempts)
	assert.Equal(t, "faye", c.Namespace)
}
