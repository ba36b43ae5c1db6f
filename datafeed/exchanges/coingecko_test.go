package exchanges

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/datafeed/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func (f *fakePrices) SimplePrice(_ context.Context, coinID, vs string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.prices[coinID+"/"+vs], nil
}

func (f *fakePrices) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePrices) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var bitcoinUSD = models.ChannelKey{Exchange: "CoinGecko", FromSymbol: "bitcoin", ToSymbol: "usd"}

func TestCoinGeckoPoller(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	mockClock := clock.NewMock()
	mockClock.Set(base)

	fetcher := &fakePrices{prices: map[string]float64{"bitcoin/usd": 43000}}
	poller := NewCoinGeckoPoller(fetcher, 10*time.Second, mockClock, nil)

	assert.ErrorIs(t, poller.SubscribeChannel(bitcoinUSD), ErrNotConnected)
	require.NoError(t, poller.Connect(context.Background()))
	assert.Equal(t, models.PollMode, poller.Mode())

	require.NoError(t, poller.SubscribeChannel(bitcoinUSD))
	require.NoError(t, poller.SubscribeChannel(bitcoinUSD), "second subscribe is a no-op")
	assert.Equal(t, 1, poller.ActiveChannels())

	t.Run("EmitsDegenerateTick", func(t *testing.T) {
		mockClock.Add(10 * time.Second)

		select {
		case tick := <-poller.Events():
			assert.Equal(t, bitcoinUSD, tick.Key())
			assert.Equal(t, 43000.0, tick.Price)
			assert.Equal(t, 0.0, tick.Volume)
			assert.Equal(t, base.Add(10*time.Second), tick.Timestamp)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for polled tick")
		}
	})

	t.Run("FailuresAreSwallowed", func(t *testing.T) {
		fetcher.setErr(assert.AnError)
		before := fetcher.callCount()
		mockClock.Add(10 * time.Second)

		assert.Eventually(t, func() bool { return fetcher.callCount() > before }, time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool { return poller.GetConnectionHealth().FailureCount == 1 }, time.Second, 10*time.Millisecond)

		select {
		case tick := <-poller.Events():
			t.Fatalf("unexpected tick %+v", tick)
		case <-time.After(50 * time.Millisecond):
		}
		fetcher.setErr(nil)
	})

	t.Run("UnsubscribeStopsTimer", func(t *testing.T) {
		require.NoError(t, poller.UnsubscribeChannel(bitcoinUSD))
		assert.Equal(t, 0, poller.ActiveChannels())
		require.NoError(t, poller.UnsubscribeChannel(bitcoinUSD))

		time.Sleep(20 * time.Millisecond)
		before := fetcher.callCount()
		mockClock.Add(30 * time.Second)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, before, fetcher.callCount())
	})

	require.NoError(t, poller.Disconnect())
	_, open := <-poller.Events()
	assert.False(t, open)
	assert.False(t, poller.IsConnected())
}

func TestCoinGeckoPollerIndependentTimers(t *testing.T) {
	mockClock := clock.NewMock()
	fetcher := &fakePrices{prices: map[string]float64{"bitcoin/usd": 1, "ethereum/usd": 2}}
	poller := NewCoinGeckoPoller(fetcher, 0, mockClock, nil)
	require.NoError(t, poller.Connect(context.Background()))
	defer poller.Disconnect()

	ethUSD := models.ChannelKey{Exchange: "CoinGecko", FromSymbol: "ethereum", ToSymbol: "usd"}
	require.NoError(t, poller.SubscribeChannel(bitcoinUSD))
	require.NoError(t, poller.SubscribeChannel(ethUSD))

	mockClock.Add(DefaultPollInterval)

	seen := map[string]float64{}
	for i := 0; i < 2; i++ {
		select {
		case tick := <-poller.Events():
			seen[tick.FromSymbol] = tick.Price
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ticks")
		}
	}
	assert.Equal(t, map[string]float64{"bitcoin": 1, "ethereum": 2}, seen)
}

func TestCoinGeckoPollerCancelledFetchEmitsNothing(t *testing.T) {
	fetcher := &fakePrices{prices: map[string]float64{"bitcoin/usd": 43000}}
	poller := NewCoinGeckoPoller(fetcher, time.Second, clock.NewMock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		poller.fetch(ctx, bitcoinUSD)
	}

	assert.Equal(t, 50, fetcher.callCount())
	assert.Empty(t, poller.Events(), "an unsubscribed channel must not deliver a late price")
	assert.Zero(t, poller.GetConnectionHealth().FailureCount)
}

func TestTickSourcesShareRetryConfig(t *testing.T) {
	sources := []TickSource{
		NewCryptoCompareStream("ws://localhost:0", "", nil),
		NewCoinGeckoPoller(&fakePrices{}, 0, clock.NewMock(), nil),
	}
	for _, source := range sources {
		assert.NotPanics(t, func() { source.SetRetryConfig(DefaultRetryConfig()) }, string(source.Name()))
	}
}
