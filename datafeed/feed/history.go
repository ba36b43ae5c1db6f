package feed

import (
	"context"
	"math"

	"github.com/linluma/datafeed/datafeed/ohlc"
	"github.com/linluma/datafeed/datafeed/upstream"
	"github.com/linluma/datafeed/shared/models"
)

// PeriodParams is the window a history request asks for; From and To are unix seconds
type PeriodParams struct {
	From             int64
	To               int64
	CountBack        int
	FirstDataRequest bool
}

// History loads historical bars. A provider answering with nothing returns upstream.ErrNoData.
type History interface {
	Bars(ctx context.Context, info models.SymbolInfo, res ohlc.Resolution, period PeriodParams) ([]models.Bar, error)
}

// HistoryFetcher is the CryptoCompare history call
type HistoryFetcher interface {
	History(ctx context.Context, req upstream.HistoryRequest) ([]upstream.HistoryPoint, error)
}

// CryptoCompareHistory loads bars from CryptoCompare's histo endpoints
type CryptoCompareHistory struct {
	client HistoryFetcher
}

// NewCryptoCompareHistory creates a CryptoCompare history provider
func NewCryptoCompareHistory(client HistoryFetcher) *CryptoCompareHistory {
	return &CryptoCompareHistory{client: client}
}

// granularity maps a resolution onto an endpoint and aggregate factor.
// Months aggregate 30 daily points.
func granularity(res ohlc.Resolution) (string, int) {
	switch res.Unit {
	case ohlc.Day:
		return upstream.HistoDay, res.Count
	case ohlc.Week:
		return upstream.HistoDay, 7 * res.Count
	case ohlc.Month:
		return upstream.HistoDay, 30 * res.Count
	default:
		if res.Count%60 == 0 {
			return upstream.HistoHour, res.Count / 60
		}
		return upstream.HistoMinute, res.Count
	}
}

// Bars requests enough points to cover the period or CountBack, whichever is larger
func (h *CryptoCompareHistory) Bars(ctx context.Context, info models.SymbolInfo, res ohlc.Resolution, period PeriodParams) ([]models.Bar, error) {
	endpoint, aggregate := granularity(res)

	limit := int(math.Ceil(float64(period.To-period.From) / res.Duration().Seconds()))
	if period.CountBack > limit {
		limit = period.CountBack
	}
	if limit < 1 {
		limit = 1
	}

	points, err := h.client.History(ctx, upstream.HistoryRequest{
		Exchange:   info.Exchange,
		FromSymbol: info.Base,
		ToSymbol:   info.Quote,
		Endpoint:   endpoint,
		Aggregate:  aggregate,
		Limit:      limit,
		ToTs:       period.To,
	})
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(points))
	for _, p := range points {
		bars = append(bars, models.Bar{
			Time:   p.Time * 1000,
			Open:   p.Open,
			High:   p.High,
			Low:    p.Low,
			Close:  p.Close,
			Volume: p.VolumeFrom,
		})
	}
	return bars, nil
}

// CoinGeckoHistory loads bars from CoinGecko's OHLC endpoint. Candles carry no volume.
type CoinGeckoHistory struct {
	client CoinGeckoAPI
}

// NewCoinGeckoHistory creates a CoinGecko history provider
func NewCoinGeckoHistory(client CoinGeckoAPI) *CoinGeckoHistory {
	return &CoinGeckoHistory{client: client}
}

// Bars asks for the smallest day range covering the period; CoinGecko picks the candle size
func (h *CoinGeckoHistory) Bars(ctx context.Context, info models.SymbolInfo, _ ohlc.Resolution, period PeriodParams) ([]models.Bar, error) {
	days := upstream.DaysFor(float64(period.To-period.From) / 86400)

	points, err := h.client.OHLC(ctx, info.Base, info.Quote, days)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, upstream.ErrNoData
	}

	bars := make([]models.Bar, 0, len(points))
	for _, p := range points {
		bars = append(bars, models.Bar{
			Time:  p.Time,
			Open:  p.Open,
			High:  p.High,
			Low:   p.Low,
			Close: p.Close,
		})
	}
	return bars, nil
}
