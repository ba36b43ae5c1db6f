package stream

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/datafeed/datafeed/ohlc"
	"github.com/linluma/datafeed/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidatorEndToEnd(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	mockClock := clock.NewMock()
	mockClock.Set(base)

	upstream := &mockUpstream{}
	upstream.On("SubscribeChannel", btcUSD).Return(nil).Once()
	upstream.On("UnsubscribeChannel", btcUSD).Return(nil).Once()

	mux := NewMultiplexer(upstream, NewRegistry(mockClock), ohlc.StaleFold, nil)
	c := NewConsolidator(mux, nil)
	c.Start()
	defer c.Stop()

	bars := make(chan models.Bar, 10)
	require.NoError(t, c.Subscribe(Subscription{
		SubscriberID: "listener-1",
		Ticker:       btcUSD.Ticker(),
		Channel:      btcUSD,
		Resolution:   ohlc.MustParseResolution("1"),
		Callback:     func(b models.Bar) { bars <- b },
	}))
	assert.Equal(t, []models.ChannelKey{btcUSD}, c.Channels())

	events := make(chan models.Tick, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Forward(ctx, "test", events)

	events <- models.Tick{Exchange: "Coinbase", FromSymbol: "BTC", ToSymbol: "USD", Price: 100, Volume: 1, Timestamp: base.Add(time.Second)}
	events <- models.Tick{Exchange: "Coinbase", FromSymbol: "BTC", ToSymbol: "USD", Price: 101, Volume: 1, Timestamp: base.Add(2 * time.Second)}
	events <- models.Tick{Exchange: "Binance", FromSymbol: "BTC", ToSymbol: "USDT", Price: 1, Volume: 1, Timestamp: base}

	for _, want := range []float64{100, 101} {
		select {
		case b := <-bars:
			assert.Equal(t, want, b.Close)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for bar")
		}
	}

	assert.True(t, c.Unsubscribe("listener-1"))
	assert.False(t, c.Unsubscribe("listener-1"))
	assert.Empty(t, c.Channels())
	upstream.AssertExpectations(t)
}

func TestConsolidatorStopped(t *testing.T) {
	mux := NewMultiplexer(&mockUpstream{}, NewRegistry(nil), ohlc.StaleFold, nil)
	c := NewConsolidator(mux, nil)
	c.Start()
	c.Stop()
	c.Stop()

	err := c.Subscribe(subscription("late", func(models.Bar) {}))
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, c.Unsubscribe("late"))
	assert.Nil(t, c.Channels())
}
