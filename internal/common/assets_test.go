package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAssets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAssetSymbols(t *testing.T) {
	path := writeAssets(t, `
assets:
  - symbol: btc
    network: bitcoin
  - symbol: ETH
    network: ethereum
  - symbol: usdc
    stablecoin: true
`)
	symbols, err := LoadAssetSymbols(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH", "USDC"}, symbols)

	assets, err := LoadAssetConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"USDC"}, assets.Stablecoins())
	assert.Equal(t, "bitcoin", assets[0].Network)
}

func TestLoadAssetConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", "assets: []\n"},
		{"missing symbol", "assets:\n  - network: bitcoin\n"},
		{"duplicate", "assets:\n  - symbol: BTC\n  - symbol: btc\n"},
		{"malformed", "assets: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAssetConfig(writeAssets(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadAssetConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
