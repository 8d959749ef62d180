package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("DOSSIER_ENV", "development")
	t.Setenv("DOCUMENT_MASTER_KEY", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, float64(75), cfg.Validation.Threshold)
	assert.Equal(t, 100_000, cfg.Keys.PBKDF2Iterations)
	assert.Equal(t, "fail_open", cfg.Scan.Policy)
	assert.NotEmpty(t, cfg.Keys.MasterKey)
	assert.Equal(t, 60*time.Second, cfg.Ingest.Budget)
	assert.Equal(t, 20, cfg.RateLimit.Uploads)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, float64(1), cfg.Audit.OpsSampleRate)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("SCAN_POLICY", "fail_closed")
	t.Setenv("INGEST_BUDGET", "15s")
	t.Setenv("VALIDATION_STRICT", "true")
	t.Setenv("RATE_LIMIT_UPLOADS", "0")
	t.Setenv("AUDIT_OPS_SAMPLE_RATE", "0.25")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "fail_closed", cfg.Scan.Policy)
	assert.Equal(t, 15*time.Second, cfg.Ingest.Budget)
	assert.True(t, cfg.Validation.Strict)
	assert.Zero(t, cfg.RateLimit.Uploads)
	assert.Equal(t, 0.25, cfg.Audit.OpsSampleRate)
}

func TestFromEnv_RejectsWeakDerivation(t *testing.T) {
	t.Setenv("PBKDF2_ITERATIONS", "1000")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnv_RequiresMasterKeyInProduction(t *testing.T) {
	t.Setenv("DOSSIER_ENV", "production")
	t.Setenv("KEY_MANAGER", "derived")
	t.Setenv("DOCUMENT_MASTER_KEY", "")
	_, err := FromEnv()
	require.Error(t, err)
}
