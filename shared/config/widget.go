package config

import (
	"fmt"
	"os"

	"github.com/linluma/datafeed/shared/models"
	"gopkg.in/yaml.v3"
)

// DefaultResolutions are the bar resolutions offered to the widget
var DefaultResolutions = []string{"1", "5", "15", "30", "60", "D", "W", "M"}

// DefaultWidgetConfiguration returns the configure payload used when no file is given
func DefaultWidgetConfiguration() models.DatafeedConfiguration {
	return models.DatafeedConfiguration{
		SupportedResolutions: append([]string(nil), DefaultResolutions...),
		Exchanges: []models.ExchangeDescriptor{
			{Value: "", Name: "All Exchanges", Desc: ""},
			{Value: "Coinbase", Name: "Coinbase", Desc: "Coinbase"},
			{Value: "Binance", Name: "Binance", Desc: "Binance"},
			{Value: "Kraken", Name: "Kraken", Desc: "Kraken"},
		},
		SymbolsTypes:   []models.SymbolType{{Name: "crypto", Value: "crypto"}},
		SupportsSearch: true,
		SupportsTime:   true,
	}
}

// LoadWidgetConfiguration reads a YAML configure payload. Missing sections keep their defaults.
func LoadWidgetConfiguration(path string) (models.DatafeedConfiguration, error) {
	cfg := DefaultWidgetConfiguration()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read widget config: %w", err)
	}

	var file models.DatafeedConfiguration
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("failed to parse widget config: %w", err)
	}

	if len(file.SupportedResolutions) > 0 {
		cfg.SupportedResolutions = file.SupportedResolutions
	}
	if len(file.Exchanges) > 0 {
		cfg.Exchanges = file.Exchanges
	}
	if len(file.SymbolsTypes) > 0 {
		cfg.SymbolsTypes = file.SymbolsTypes
	}
	cfg.SupportsMarks = file.SupportsMarks
	cfg.SupportsTimescaleMarks = file.SupportsTimescaleMarks
	cfg.SupportsGroupRequest = file.SupportsGroupRequest
	return cfg, nil
}
