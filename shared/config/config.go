package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/linluma/datafeed/shared/models"
)

// DatafeedConfig holds configuration for the datafeed service
type DatafeedConfig struct {
	Source         string        `env:"DATAFEED_SOURCE" envDefault:"cryptocompare"`
	HTTPPort       int           `env:"HTTP_PORT" envDefault:"8080"`
	GRPCPort       int           `env:"GRPC_PORT" envDefault:"50051"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFile        string        `env:"LOG_FILE"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	DropStaleTicks bool          `env:"DROP_STALE_TICKS" envDefault:"false"`
	WidgetConfig   string        `env:"WIDGET_CONFIG"`

	CryptoCompare CryptoCompareConfig `envPrefix:"CRYPTOCOMPARE_"`
	CoinGecko     CoinGeckoConfig     `envPrefix:"COINGECKO_"`
}

// CryptoCompareConfig holds CryptoCompare endpoints and limits
type CryptoCompareConfig struct {
	RESTURL   string  `env:"REST_URL" envDefault:"https://min-api.cryptocompare.com"`
	StreamURL string  `env:"STREAM_URL" envDefault:"wss://streamer.cryptocompare.com/v2"`
	APIKey    string  `env:"API_KEY"`
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"10"`
	Burst     int     `env:"BURST" envDefault:"5"`
}

// CoinGeckoConfig holds CoinGecko endpoints and limits
type CoinGeckoConfig struct {
	BaseURL   string  `env:"BASE_URL" envDefault:"https://api.coingecko.com/api/v3"`
	APIKey    string  `env:"API_KEY"`
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0.5"`
	Burst     int     `env:"BURST" envDefault:"3"`
}

// ClientConfig holds configuration for the demo client
type ClientConfig struct {
	ServerAddress string
	Symbols       []string
	Resolution    string
	Duration      time.Duration
}

// SourceName returns the configured provider
func (c *DatafeedConfig) SourceName() models.SourceName {
	return models.SourceName(strings.ToLower(c.Source))
}

// Validate checks values that cannot be defaulted
func (c *DatafeedConfig) Validate() error {
	switch c.SourceName() {
	case models.SourceCryptoCompare, models.SourceCoinGecko:
	default:
		return fmt.Errorf("unknown datafeed source %q", c.Source)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.HTTPPort <= 0 || c.GRPCPort <= 0 {
		return fmt.Errorf("ports must be positive")
	}
	return nil
}

// LoadDatafeedConfig reads the environment (and .env if present) into a config
func LoadDatafeedConfig() (*DatafeedConfig, error) {
	_ = godotenv.Load()

	cfg := &DatafeedConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ParseDatafeedFlags loads the environment then lets command line flags override it
func ParseDatafeedFlags() (*DatafeedConfig, error) {
	cfg, err := LoadDatafeedConfig()
	if err != nil {
		return nil, err
	}

	flag.StringVar(&cfg.Source, "source", cfg.Source, "Market data source (cryptocompare/coingecko)")
	flag.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP server port")
	flag.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "gRPC health server port")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug/info/warn/error)")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Optional rotating log file")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Price poll interval in poll mode")
	flag.BoolVar(&cfg.DropStaleTicks, "drop-stale-ticks", cfg.DropStaleTicks, "Ignore ticks older than the current bar")
	flag.StringVar(&cfg.WidgetConfig, "widget-config", cfg.WidgetConfig, "YAML file overriding the configure payload")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseClientFlags parses command line flags for the demo client
func ParseClientFlags() *ClientConfig {
	var (
		server     = flag.String("server", "localhost:8080", "Datafeed service address")
		symbols    = flag.String("symbols", "Coinbase:BTC/USD", "Comma-separated full symbol names")
		resolution = flag.String("resolution", "1", "Bar resolution")
		duration   = flag.Duration("duration", 30*time.Second, "Duration to run the demo (0 runs forever)")
	)
	flag.Parse()

	symbolList := strings.Split(*symbols, ",")
	for i, s := range symbolList {
		symbolList[i] = strings.TrimSpace(s)
	}

	return &ClientConfig{
		ServerAddress: *server,
		Symbols:       symbolList,
		Resolution:    *resolution,
		Duration:      *duration,
	}
}
