package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPacketTimeout, cfg.PacketDefaultTimeout)
	assert.Equal(t, DefaultPacketMaxRetries, cfg.PacketMaxRetries)
	assert.Equal(t, DefaultRelaySweepInterval, cfg.RelaySweepInterval)
	assert.Equal(t, DefaultEscrowStallAfter, cfg.EscrowStallAfter)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9090")
	t.Setenv("PACKET_DEFAULT_TIMEOUT", "90m")
	t.Setenv("PACKET_MAX_RETRIES", "0")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 90*time.Minute, cfg.PacketDefaultTimeout)
	assert.Equal(t, 0, cfg.PacketMaxRetries)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("PACKET_DEFAULT_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:                 "8080",
			Env:                  "production",
			JWTSecret:            "0123456789abcdef0123456789abcdef",
			PacketDefaultTimeout: time.Hour,
			EscrowStallAfter:     time.Hour,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "at least 32 bytes"},
		{"zero timeout", func(c *Config) { c.PacketDefaultTimeout = 0 }, "PACKET_DEFAULT_TIMEOUT"},
		{"negative retries", func(c *Config) { c.PacketMaxRetries = -1 }, "PACKET_MAX_RETRIES"},
		{"negative interval", func(c *Config) { c.RelaySweepInterval = -time.Second }, "intervals"},
		{"negative reconcile interval", func(c *Config) { c.ReconcileInterval = -time.Minute }, "intervals"},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"}; c.KafkaTopic = " " }, "KAFKA_TOPIC"},
		{"dev skips secret", func(c *Config) { c.Env = "development"; c.JWTSecret = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
