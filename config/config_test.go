package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 12*time.Hour, cfg.Business.SellerResponseTimeout)
	assert.Equal(t, 5*time.Second, cfg.Business.VerifyTimeout)
	assert.Equal(t, 64, cfg.Realtime.SendQueueSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("VERIFY_TIMEOUT", "750ms")
	t.Setenv("WS_SEND_QUEUE_SIZE", "8")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "30.5")

	cfg := Load()

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 750*time.Millisecond, cfg.Business.VerifyTimeout)
	assert.Equal(t, 8, cfg.Realtime.SendQueueSize)
	assert.Equal(t, 30.5, cfg.Server.RateLimitPerMinute)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("REDIS_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, time.Minute, cfg.Business.SweepInterval)
	assert.True(t, cfg.Redis.Enabled)
}
