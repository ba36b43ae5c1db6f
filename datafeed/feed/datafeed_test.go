package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linluma/datafeed/datafeed/ohlc"
	"github.com/linluma/datafeed/datafeed/stream"
	"github.com/linluma/datafeed/datafeed/upstream"
	"github.com/linluma/datafeed/shared/config"
	"github.com/linluma/datafeed/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubHistory struct {
	bars []models.Bar
	err  error
	got  ohlc.Resolution
}

func (s *stubHistory) Bars(_ context.Context, _ models.SymbolInfo, res ohlc.Resolution, _ PeriodParams) ([]models.Bar, error) {
	s.got = res
	return s.bars, s.err
}

type mockRealtime struct {
	mock.Mock
}

func (m *mockRealtime) Subscribe(sub stream.Subscription) error {
	return m.Called(sub.SubscriberID, sub.Channel, sub.Ticker).Error(0)
}

func (m *mockRealtime) Unsubscribe(id string) bool {
	return m.Called(id).Bool(0)
}

var btcInfo = models.SymbolInfo{
	Name: "BTC/USD", Ticker: "Coinbase:BTC/USD", FullName: "Coinbase:BTC/USD",
	Exchange: "Coinbase", Base: "BTC", Quote: "USD",
}

func hourBar(ts time.Time, price float64) models.Bar {
	return models.Bar{Time: ts.UnixMilli(), Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1}
}

func TestGetBars(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(3 * time.Hour)
	period := PeriodParams{From: from.Unix(), To: to.Unix(), FirstDataRequest: true}

	t.Run("FiltersToHalfOpenRangeAndSorts", func(t *testing.T) {
		registry := stream.NewRegistry(nil)
		history := &stubHistory{bars: []models.Bar{
			hourBar(from.Add(2*time.Hour), 3),
			hourBar(from.Add(-time.Hour), 0.5), // before from
			hourBar(from, 1),
			hourBar(to, 4), // to is exclusive
			hourBar(from.Add(time.Hour), 2),
			{Time: from.Add(30 * time.Minute).UnixMilli()}, // padding row
		}}
		df := New(config.DefaultWidgetConfiguration(), nil, history, nil, registry, nil)

		result, err := df.GetBars(context.Background(), btcInfo, "60", period)
		require.NoError(t, err)
		assert.False(t, result.NoData)
		require.Len(t, result.Bars, 3)
		assert.Equal(t, []float64{1, 2, 3}, []float64{result.Bars[0].Close, result.Bars[1].Close, result.Bars[2].Close})
		assert.Equal(t, ohlc.MustParseResolution("60"), history.got)

		cached, ok := registry.LastBar(btcInfo.Ticker)
		require.True(t, ok, "first request seeds the cache")
		assert.Equal(t, result.Bars[2], cached)
	})

	t.Run("LaterRequestsDoNotSeed", func(t *testing.T) {
		registry := stream.NewRegistry(nil)
		df := New(config.DefaultWidgetConfiguration(), nil, &stubHistory{bars: []models.Bar{hourBar(from, 1)}}, nil, registry, nil)

		later := period
		later.FirstDataRequest = false
		_, err := df.GetBars(context.Background(), btcInfo, "60", later)
		require.NoError(t, err)
		_, ok := registry.LastBar(btcInfo.Ticker)
		assert.False(t, ok)
	})

	t.Run("EmptyIsNoData", func(t *testing.T) {
		df := New(config.DefaultWidgetConfiguration(), nil, &stubHistory{bars: []models.Bar{hourBar(to.Add(time.Hour), 1)}}, nil, nil, nil)
		result, err := df.GetBars(context.Background(), btcInfo, "60", period)
		require.NoError(t, err)
		assert.True(t, result.NoData)
		assert.Empty(t, result.Bars)
	})

	t.Run("UpstreamNoDataIsNoData", func(t *testing.T) {
		df := New(config.DefaultWidgetConfiguration(), nil, &stubHistory{err: upstream.ErrNoData}, nil, nil, nil)
		result, err := df.GetBars(context.Background(), btcInfo, "1D", period)
		require.NoError(t, err)
		assert.True(t, result.NoData)
	})

	t.Run("MalformedIsNoData", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":{"error_code":10002,"error_message":"bad request"}}`))
		}))
		defer server.Close()

		history := NewCoinGeckoHistory(upstream.NewCoinGeckoClient(upstream.Options{BaseURL: server.URL}))
		df := New(config.DefaultWidgetConfiguration(), nil, history, nil, nil, nil)
		info := models.SymbolInfo{Ticker: "CoinGecko:bitcoin/usd", Base: "bitcoin", Quote: "usd"}

		result, err := df.GetBars(context.Background(), info, "60", period)
		require.NoError(t, err)
		assert.True(t, result.NoData)
		assert.Empty(t, result.Bars)
	})

	t.Run("UpstreamFailureIsError", func(t *testing.T) {
		df := New(config.DefaultWidgetConfiguration(), nil, &stubHistory{err: upstream.ErrUpstream}, nil, nil, nil)
		_, err := df.GetBars(context.Background(), btcInfo, "1D", period)
		assert.ErrorIs(t, err, upstream.ErrUpstream)
	})

	t.Run("BadResolution", func(t *testing.T) {
		df := New(config.DefaultWidgetConfiguration(), nil, &stubHistory{}, nil, nil, nil)
		_, err := df.GetBars(context.Background(), btcInfo, "1H", period)
		assert.Error(t, err)
	})
}

func TestSubscribeBars(t *testing.T) {
	realtime := &mockRealtime{}
	registry := stream.NewRegistry(nil)
	df := New(config.DefaultWidgetConfiguration(), nil, nil, realtime, registry, nil)

	channel := models.ChannelKey{Exchange: "Coinbase", FromSymbol: "BTC", ToSymbol: "USD"}
	realtime.On("Subscribe", "chart-1", channel, "Coinbase:BTC/USD").Return(nil).Once()
	realtime.On("Unsubscribe", "chart-1").Return(true).Once()
	realtime.On("Unsubscribe", "chart-1").Return(false).Once()

	require.NoError(t, df.SubscribeBars(btcInfo, "1", "chart-1", func(models.Bar) {}))
	assert.Error(t, df.SubscribeBars(btcInfo, "bogus", "chart-2", func(models.Bar) {}))
	assert.Error(t, df.SubscribeBars(btcInfo, "1", "", func(models.Bar) {}))

	assert.True(t, df.UnsubscribeBars("chart-1"))
	assert.False(t, df.UnsubscribeBars("chart-1"))
	realtime.AssertExpectations(t)

	registry.StoreLastBar(btcInfo.Ticker, models.Bar{Time: 1, Open: 1, High: 1, Low: 1, Close: 1})
	df.ResetCache(btcInfo.Ticker)
	_, ok := registry.LastBar(btcInfo.Ticker)
	assert.False(t, ok)
}

func TestConfigure(t *testing.T) {
	df := New(config.DefaultWidgetConfiguration(), nil, nil, nil, nil, nil)
	cfg := df.Configure()
	assert.Equal(t, []string{"1", "5", "15", "30", "60", "D", "W", "M"}, cfg.SupportedResolutions)
	assert.Equal(t, "crypto", cfg.SymbolsTypes[0].Value)
}
