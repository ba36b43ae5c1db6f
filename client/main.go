package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/linluma/datafeed/client/subscriber"
	"github.com/linluma/datafeed/shared/config"
	"github.com/linluma/datafeed/shared/logging"
	"go.uber.org/zap"
)

func main() {
	cfg := config.ParseClientFlags()

	logger, err := logging.New(logging.Options{Level: "info"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("🚀 starting datafeed client demo",
		zap.String("server", cfg.ServerAddress),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("resolution", cfg.Resolution),
		zap.Duration("duration", cfg.Duration))

	if err := demoClient(cfg, logger); err != nil {
		logger.Fatal("❌ demo failed", zap.Error(err))
	}

	logger.Info("✅ demo completed successfully")
}

// demoClient resolves the requested symbols and prints their bars
func demoClient(cfg *config.ClientConfig, logger *zap.Logger) error {
	// Run forever if duration is 0
	var ctx context.Context
	var cancel context.CancelFunc
	if cfg.Duration == 0 {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), cfg.Duration)
	}
	defer cancel()

	client := subscriber.NewClient(cfg.ServerAddress, logger)

	var symbols []string
	for _, symbol := range cfg.Symbols {
		ticker, err := client.Resolve(ctx, symbol)
		if errors.Is(err, subscriber.ErrUnknownSymbol) {
			logger.Warn("symbol not found, skipping", zap.String("symbol", symbol))
			continue
		}
		if err != nil {
			return err
		}
		symbols = append(symbols, ticker)
	}
	if len(symbols) == 0 {
		return errors.New("no symbols to subscribe")
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	updates, err := client.Subscribe(ctx, symbols, cfg.Resolution)
	if err != nil {
		return err
	}
	logger.Info("📊 receiving bars", zap.Strings("symbols", symbols))

	printer := newBarPrinter()
	for u := range updates {
		printer.DisplayBar(u)
	}
	return nil
}
