package config

import (
	"testing"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, models.SettlementDeferred, cfg.Trading.SettlementMode)
	assert.Equal(t, "10", cfg.Trading.KeyPriceDivisor.String())
	assert.Equal(t, "0.01", cfg.Trading.SellFeeRate.String())
	assert.Equal(t, 10*time.Millisecond, cfg.Trading.RetryBackoff)
	assert.Equal(t, 80, cfg.Risk.MaxScore)
	assert.Equal(t, 85, cfg.Risk.LockScore)
	assert.Equal(t, 12*time.Hour, cfg.Risk.MinAccountAge)
	assert.Equal(t, 5, cfg.Gate.MaxLoginAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SETTLEMENT_MODE", "Immediate")
	t.Setenv("SUPPORTED_CRYPTOCURRENCIES", " btc, ,doge ")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("LEDGER_BACKEND", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, models.SettlementImmediate, cfg.Trading.SettlementMode)
	assert.Equal(t, []string{"BTC", "DOGE"}, cfg.Trading.SupportedAssets)
	assert.Equal(t, 15*time.Second, cfg.Worker.SweepInterval)
	assert.Equal(t, "postgres", cfg.Backend)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"SETTLEMENT_MODE", "eventually"},
		{"LEDGER_BACKEND", "mysql"},
		{"KEY_PRICE_DIVISOR", "0"},
		{"SELL_FEE_RATE", "1"},
		{"SELL_FEE_RATE", "abc"},
		{"SETTLEMENT_TIMEOUT", "tomorrow"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
