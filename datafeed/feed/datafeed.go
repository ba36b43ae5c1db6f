package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/linluma/datafeed/datafeed/ohlc"
	"github.com/linluma/datafeed/datafeed/stream"
	"github.com/linluma/datafeed/datafeed/upstream"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// BarsResult is the outcome of a history request. NoData is a valid answer, not an error.
type BarsResult struct {
	Bars   []models.Bar
	NoData bool
}

// Realtime is the subscription surface of the event loop
type Realtime interface {
	Subscribe(sub stream.Subscription) error
	Unsubscribe(subscriberID string) bool
}

// Datafeed implements the charting widget's data access operations
type Datafeed struct {
	config   models.DatafeedConfiguration
	catalog  Catalog
	history  History
	realtime Realtime
	registry *stream.Registry
	logger   *zap.Logger
}

// New creates a datafeed over one provider's catalog, history and realtime stream
func New(config models.DatafeedConfiguration, catalog Catalog, history History, realtime Realtime, registry *stream.Registry, logger *zap.Logger) *Datafeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Datafeed{
		config:   config,
		catalog:  catalog,
		history:  history,
		realtime: realtime,
		registry: registry,
		logger:   logger.With(zap.String("component", "datafeed")),
	}
}

// Configure returns the static configuration offered to the widget
func (d *Datafeed) Configure() models.DatafeedConfiguration {
	return d.config
}

// SearchSymbols searches the provider's symbols
func (d *Datafeed) SearchSymbols(ctx context.Context, query, exchange, symbolType string) ([]models.SearchResult, error) {
	results, err := d.catalog.Search(ctx, query, exchange, symbolType)
	if err != nil {
		d.logger.Warn("symbol search failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	return results, nil
}

// ResolveSymbol returns full symbol information, or ErrUnknownSymbol
func (d *Datafeed) ResolveSymbol(ctx context.Context, name string) (models.SymbolInfo, error) {
	info, err := d.catalog.Resolve(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrUnknownSymbol) {
			d.logger.Warn("symbol resolve failed", zap.String("symbol", name), zap.Error(err))
		}
		return models.SymbolInfo{}, err
	}
	return info, nil
}

// GetBars returns bars inside [from, to), oldest first.
// The first request for a symbol also seeds its realtime bar.
func (d *Datafeed) GetBars(ctx context.Context, info models.SymbolInfo, resolution string, period PeriodParams) (BarsResult, error) {
	res, err := ohlc.ParseResolution(resolution)
	if err != nil {
		return BarsResult{}, err
	}
	if period.To <= period.From {
		return BarsResult{NoData: true}, nil
	}

	raw, err := d.history.Bars(ctx, info, res, period)
	if errors.Is(err, upstream.ErrNoData) {
		return BarsResult{NoData: true}, nil
	}
	if err != nil {
		d.logger.Warn("history request failed",
			zap.String("symbol", info.Ticker), zap.String("resolution", resolution), zap.Error(err))
		return BarsResult{}, fmt.Errorf("get bars %s: %w", info.Ticker, err)
	}

	from, to := period.From*1000, period.To*1000
	bars := make([]models.Bar, 0, len(raw))
	for _, b := range raw {
		if b.Time < from || b.Time >= to || !wellFormed(b) {
			continue
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return BarsResult{NoData: true}, nil
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })

	if period.FirstDataRequest && d.registry != nil {
		d.registry.StoreLastBar(info.Ticker, bars[len(bars)-1])
	}

	return BarsResult{Bars: bars}, nil
}

// wellFormed rejects padding rows and inverted candles
func wellFormed(b models.Bar) bool {
	if b.IsEmpty() {
		return false
	}
	return b.High >= b.Low
}

// SubscribeBars starts streaming bar updates for a resolved symbol
func (d *Datafeed) SubscribeBars(info models.SymbolInfo, resolution, subscriberID string, callback stream.BarCallback) error {
	res, err := ohlc.ParseResolution(resolution)
	if err != nil {
		return err
	}
	if subscriberID == "" {
		return fmt.Errorf("subscriber id is required")
	}

	err = d.realtime.Subscribe(stream.Subscription{
		SubscriberID: subscriberID,
		Ticker:       info.Ticker,
		Channel:      info.Channel(),
		Resolution:   res,
		Callback:     callback,
	})
	if err != nil {
		return err
	}

	d.logger.Debug("subscribed",
		zap.String("subscriber", subscriberID),
		zap.String("symbol", info.Ticker),
		zap.Stringer("resolution", res))
	return nil
}

// UnsubscribeBars stops a subscriber; unknown ids are ignored
func (d *Datafeed) UnsubscribeBars(subscriberID string) bool {
	found := d.realtime.Unsubscribe(subscriberID)
	if found {
		d.logger.Debug("unsubscribed", zap.String("subscriber", subscriberID))
	}
	return found
}

// ResetCache forgets the seed bar of a symbol
func (d *Datafeed) ResetCache(ticker string) {
	if d.registry != nil {
		d.registry.ResetCache(ticker)
	}
}
