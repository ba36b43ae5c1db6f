package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/datafeed/datafeed/exchanges"
	"github.com/linluma/datafeed/datafeed/feed"
	"github.com/linluma/datafeed/datafeed/ohlc"
	"github.com/linluma/datafeed/datafeed/server"
	"github.com/linluma/datafeed/datafeed/stream"
	"github.com/linluma/datafeed/datafeed/upstream"
	"github.com/linluma/datafeed/shared/config"
	"github.com/linluma/datafeed/shared/logging"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// provider bundles the pieces that must come from the same data source
type provider struct {
	source  exchanges.TickSource
	catalog feed.Catalog
	history feed.History
}

func main() {
	cfg, err := config.ParseDatafeedFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		File:        cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting datafeed service",
		zap.String("source", cfg.Source),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Bool("drop_stale_ticks", cfg.DropStaleTicks))

	widget, err := config.LoadWidgetConfiguration(cfg.WidgetConfig)
	if err != nil {
		logger.Fatal("failed to load widget configuration", zap.Error(err))
	}

	realClock := clock.New()
	grpcServer := server.NewGRPCServer(logger)
	p := newProvider(cfg, widget, realClock, grpcServer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.source.Connect(ctx); err != nil {
		logger.Fatal("failed to connect tick source", zap.String("source", string(p.source.Name())), zap.Error(err))
	}
	grpcServer.SetSourceStatus(p.source.IsConnected())
	logger.Info("tick source connected",
		zap.String("source", string(p.source.Name())),
		zap.Stringer("mode", p.source.Mode()))

	// Realtime pipeline: source events -> consolidator loop -> multiplexer -> subscriber callbacks
	policy := ohlc.StaleFold
	if cfg.DropStaleTicks {
		policy = ohlc.StaleDrop
	}
	registry := stream.NewRegistry(realClock)
	mux := stream.NewMultiplexer(p.source, registry, policy, logger)
	consolidator := stream.NewConsolidator(mux, logger)
	consolidator.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consolidator.Forward(ctx, string(p.source.Name()), p.source.Events())
		logger.Info("tick forwarding stopped")
	}()

	datafeed := feed.New(widget, p.catalog, p.history, consolidator, registry, logger)

	httpServer := server.NewHTTPServer(datafeed, cfg.HTTPPort, func() (string, bool) {
		return string(p.source.Name()), p.source.IsConnected()
	}, logger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcServer.ListenAndServe(cfg.GRPCPort); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Log system status
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				connected := p.source.IsConnected()
				grpcServer.SetSourceStatus(connected)
				health := p.source.GetConnectionHealth()
				logger.Info("system status",
					zap.Bool("connected", connected),
					zap.Int("channels", len(consolidator.Channels())),
					zap.Int("subscribers", registry.Len()),
					zap.Int("stream_clients", httpServer.Hub().ClientCount()),
					zap.Int("consecutive_failures", health.ConsecutiveFails))

			case <-ctx.Done():
				return
			}
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.Stop()

	cancel()
	consolidator.Stop()

	if err := p.source.Disconnect(); err != nil {
		logger.Warn("error disconnecting tick source", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all goroutines finished")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, forcing exit")
	}

	logger.Info("datafeed service stopped")
}

// newProvider picks the catalog, history and tick source for the configured provider
func newProvider(cfg *config.DatafeedConfig, widget models.DatafeedConfiguration, clk clock.Clock, grpcServer *server.GRPCServer, logger *zap.Logger) provider {
	resolutions := widget.SupportedResolutions

	switch cfg.SourceName() {
	case models.SourceCoinGecko:
		client := upstream.NewCoinGeckoClient(upstream.Options{
			BaseURL:   cfg.CoinGecko.BaseURL,
			APIKey:    cfg.CoinGecko.APIKey,
			RateLimit: cfg.CoinGecko.RateLimit,
			Burst:     cfg.CoinGecko.Burst,
			Timeout:   cfg.RequestTimeout,
			Logger:    logger,
		})
		return provider{
			source:  exchanges.NewCoinGeckoPoller(client, cfg.PollInterval, clk, logger),
			catalog: feed.NewCoinGeckoCatalog(client, "usd", resolutions),
			history: feed.NewCoinGeckoHistory(client),
		}

	default:
		client := upstream.NewCryptoCompareClient(upstream.Options{
			BaseURL:   cfg.CryptoCompare.RESTURL,
			APIKey:    cfg.CryptoCompare.APIKey,
			RateLimit: cfg.CryptoCompare.RateLimit,
			Burst:     cfg.CryptoCompare.Burst,
			Timeout:   cfg.RequestTimeout,
			Logger:    logger,
		})

		exchangeNames := make([]string, 0, len(widget.Exchanges))
		for _, e := range widget.Exchanges {
			exchangeNames = append(exchangeNames, e.Value)
		}

		source := exchanges.NewCryptoCompareStream(cfg.CryptoCompare.StreamURL, cfg.CryptoCompare.APIKey, logger)
		source.OnStatus(func(connected bool) {
			grpcServer.SetSourceStatus(connected)
			if !connected {
				logger.Warn("realtime stream disconnected")
			}
		})

		return provider{
			source:  source,
			catalog: feed.NewCryptoCompareCatalog(client, exchangeNames, resolutions, clk, logger),
			history: feed.NewCryptoCompareHistory(client),
		}
	}
}
