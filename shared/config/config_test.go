package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linluma/datafeed/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDatafeedConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := LoadDatafeedConfig()
		require.NoError(t, err)

		assert.Equal(t, models.SourceCryptoCompare, cfg.SourceName())
		assert.Equal(t, 8080, cfg.HTTPPort)
		assert.Equal(t, 10*time.Second, cfg.PollInterval)
		assert.Equal(t, "https://api.coingecko.com/api/v3", cfg.CoinGecko.BaseURL)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("DATAFEED_SOURCE", "CoinGecko")
		t.Setenv("POLL_INTERVAL", "3s")
		t.Setenv("CRYPTOCOMPARE_API_KEY", "secret")

		cfg, err := LoadDatafeedConfig()
		require.NoError(t, err)

		assert.Equal(t, models.SourceCoinGecko, cfg.SourceName())
		assert.Equal(t, 3*time.Second, cfg.PollInterval)
		assert.Equal(t, "secret", cfg.CryptoCompare.APIKey)
	})

	t.Run("InvalidSource", func(t *testing.T) {
		cfg := &DatafeedConfig{Source: "bitstamp", PollInterval: time.Second, HTTPPort: 1, GRPCPort: 2}
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadWidgetConfiguration(t *testing.T) {
	t.Run("NoFileUsesDefaults", func(t *testing.T) {
		cfg, err := LoadWidgetConfiguration("")
		require.NoError(t, err)
		assert.Equal(t, DefaultResolutions, cfg.SupportedResolutions)
		assert.Equal(t, "All Exchanges", cfg.Exchanges[0].Name)
		assert.Equal(t, []models.SymbolType{{Name: "crypto", Value: "crypto"}}, cfg.SymbolsTypes)
	})

	t.Run("FileOverridesSections", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "widget.yaml")
		content := "supported_resolutions: [\"1\", \"60\", \"1D\"]\nexchanges:\n  - value: Binance\n    name: Binance\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := LoadWidgetConfiguration(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "60", "1D"}, cfg.SupportedResolutions)
		require.Len(t, cfg.Exchanges, 1)
		assert.Equal(t, "Binance", cfg.Exchanges[0].Value)
		assert.Len(t, cfg.SymbolsTypes, 1, "untouched sections keep defaults")
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadWidgetConfiguration(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}
