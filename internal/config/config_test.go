package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StorageProvider)
	assert.Equal(t, "none", cfg.BusProvider)
	assert.Equal(t, 8, cfg.CASMaxAttempts)
	assert.Equal(t, 2*time.Millisecond, cfg.CASBaseDelay)
	assert.Equal(t, 8, cfg.CreditRounds)
	assert.Equal(t, int64(30), cfg.BonusAmount)
	assert.Equal(t, "skypay", cfg.AddressNamespace)
	assert.Empty(t, cfg.RedisAddr())

	_, err = cfg.ApiAddr()
	assert.Error(t, err)
}

func TestNew_Postgres(t *testing.T) {
	t.Setenv("SKYLEDGER_STORAGE_PROVIDER", "postgres")
	t.Setenv("SKYLEDGER_POSTGRES_USER", "sky")
	t.Setenv("SKYLEDGER_POSTGRES_PASSWORD", "secret")
	t.Setenv("SKYLEDGER_POSTGRES_HOST", "db")
	t.Setenv("SKYLEDGER_POSTGRES_DB", "ledger")
	t.Setenv("SKYLEDGER_REDIS_HOST", "cache")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "postgres://sky:secret@db:5432/ledger?sslmode=disable", cfg.DSN())
	assert.Equal(t, "cache:6379", cfg.RedisAddr())
}

func TestNew_Overrides(t *testing.T) {
	t.Setenv("SKYLEDGER_CAS_MAX_ATTEMPTS", "3")
	t.Setenv("SKYLEDGER_CAS_BASE_DELAY", "5ms")
	t.Setenv("SKYLEDGER_TRANSFER_TIMEOUT", "2s")
	t.Setenv("SKYLEDGER_CREDIT_ROUNDS", "2")
	t.Setenv("SKYLEDGER_BONUS_AMOUNT", "0")
	t.Setenv("SKYLEDGER_AUDIT_INTERVAL", "1m")
	t.Setenv("SKYLEDGER_API_ENABLED", "true")
	t.Setenv("SKYLEDGER_API_PORT", "8080")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.CASMaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.CASBaseDelay)
	assert.Equal(t, 2*time.Second, cfg.TransferTimeout)
	assert.Equal(t, 2, cfg.CreditRounds)
	assert.Equal(t, int64(0), cfg.BonusAmount)
	assert.Equal(t, time.Minute, cfg.AuditInterval)

	addr, err := cfg.ApiAddr()
	require.NoError(t, err)
	assert.Equal(t, ":8080", addr)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown storage", map[string]string{"SKYLEDGER_STORAGE_PROVIDER": "sqlite"}},
		{"postgres without host", map[string]string{"SKYLEDGER_STORAGE_PROVIDER": "postgres", "SKYLEDGER_POSTGRES_USER": "u", "SKYLEDGER_POSTGRES_DB": "d"}},
		{"unknown bus", map[string]string{"SKYLEDGER_BUS_PROVIDER": "kafka"}},
		{"nats without host", map[string]string{"SKYLEDGER_BUS_PROVIDER": "nats"}},
		{"grpc without port", map[string]string{"SKYLEDGER_BUS_PROVIDER": "grpc", "SKYLEDGER_GRPC_HOST": "bus"}},
		{"zero attempts", map[string]string{"SKYLEDGER_CAS_MAX_ATTEMPTS": "0"}},
		{"zero credit rounds", map[string]string{"SKYLEDGER_CREDIT_ROUNDS": "0"}},
		{"negative bonus", map[string]string{"SKYLEDGER_BONUS_AMOUNT": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := New()
			assert.Error(t, err)
		})
	}
}
