package exchanges

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/datafeed/datafeed/metrics"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often a polled channel fetches its price
const DefaultPollInterval = 10 * time.Second

// PriceFetcher returns the latest price of a coin in a quote currency
type PriceFetcher interface {
	SimplePrice(ctx context.Context, coinID, vsCurrency string) (float64, error)
}

// CoinGeckoPoller implements TickSource by polling prices on a timer per channel.
// Polled ticks carry no volume.
type CoinGeckoPoller struct {
	fetcher      PriceFetcher
	interval     time.Duration
	fetchTimeout time.Duration
	clock        clock.Clock
	eventsCh     chan models.Tick

	mutex        sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	connected    bool
	timers       map[models.ChannelKey]context.CancelFunc
	wg           sync.WaitGroup
	healthStatus ConnectionHealth

	logger *zap.Logger
}

// NewCoinGeckoPoller creates a poller; a zero interval uses DefaultPollInterval
func NewCoinGeckoPoller(fetcher PriceFetcher, interval time.Duration, clk clock.Clock, logger *zap.Logger) *CoinGeckoPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoinGeckoPoller{
		fetcher:      fetcher,
		interval:     interval,
		fetchTimeout: interval,
		clock:        clk,
		eventsCh:     make(chan models.Tick, 1000),
		timers:       make(map[models.ChannelKey]context.CancelFunc),
		logger:       logger.With(zap.String("source", string(models.SourceCoinGecko))),
	}
}

// Name returns the provider name
func (p *CoinGeckoPoller) Name() models.SourceName {
	return models.SourceCoinGecko
}

// Mode reports poll delivery
func (p *CoinGeckoPoller) Mode() models.ConnectionMode {
	return models.PollMode
}

// Connect arms the poller; timers started later stop when ctx ends
func (p *CoinGeckoPoller) Connect(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connected {
		return fmt.Errorf("already connected")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.connected = true
	p.logger.Info("price poller ready", zap.Duration("interval", p.interval))
	return nil
}

// SubscribeChannel starts the channel's poll timer
func (p *CoinGeckoPoller) SubscribeChannel(key models.ChannelKey) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.connected {
		return ErrNotConnected
	}
	if _, exists := p.timers[key]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(p.ctx)
	ticker := p.clock.Ticker(p.interval)
	p.timers[key] = cancel

	p.wg.Add(1)
	go p.poll(ctx, key, ticker)

	p.logger.Debug("started polling", zap.String("channel", key.String()))
	return nil
}

// UnsubscribeChannel cancels the channel's poll timer
func (p *CoinGeckoPoller) UnsubscribeChannel(key models.ChannelKey) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cancel, ok := p.timers[key]
	if !ok {
		return nil
	}
	cancel()
	delete(p.timers, key)

	p.logger.Debug("stopped polling", zap.String("channel", key.String()))
	return nil
}

// Events returns the channel for receiving ticks
func (p *CoinGeckoPoller) Events() <-chan models.Tick {
	return p.eventsCh
}

// Disconnect stops every timer and closes the events channel
func (p *CoinGeckoPoller) Disconnect() error {
	p.mutex.Lock()
	if !p.connected {
		p.mutex.Unlock()
		return nil
	}
	p.cancel()
	p.timers = make(map[models.ChannelKey]context.CancelFunc)
	p.connected = false
	p.mutex.Unlock()

	p.wg.Wait()
	close(p.eventsCh)
	p.logger.Info("price poller stopped")
	return nil
}

// IsConnected returns whether the poller is armed
func (p *CoinGeckoPoller) IsConnected() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.connected
}

// GetConnectionHealth reports poll failures
func (p *CoinGeckoPoller) GetConnectionHealth() ConnectionHealth {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.healthStatus
}

// SetRetryConfig is a no-op; a failed poll waits for the next interval instead of retrying
func (p *CoinGeckoPoller) SetRetryConfig(RetryConfig) {}

// ActiveChannels returns the number of running poll timers
func (p *CoinGeckoPoller) ActiveChannels() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.timers)
}

func (p *CoinGeckoPoller) poll(ctx context.Context, key models.ChannelKey, ticker *clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fetch(ctx, key)
		}
	}
}

// fetch polls one price; failures skip the interval
func (p *CoinGeckoPoller) fetch(ctx context.Context, key models.ChannelKey) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	price, err := p.fetcher.SimplePrice(fetchCtx, key.FromSymbol, key.ToSymbol)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.recordFailure()
		metrics.PollFailed()
		p.logger.Warn("price poll failed", zap.String("channel", key.String()), zap.Error(err))
		return
	}
	p.recordSuccess()

	// the channel may have been unsubscribed while the request was in flight
	if ctx.Err() != nil {
		return
	}

	tick := models.Tick{
		Exchange:   key.Exchange,
		FromSymbol: key.FromSymbol,
		ToSymbol:   key.ToSymbol,
		Price:      price,
		Volume:     0,
		Timestamp:  p.clock.Now().UTC(),
	}

	select {
	case p.eventsCh <- tick:
	case <-ctx.Done():
	default:
		metrics.TickDropped(string(models.SourceCoinGecko))
		p.logger.Warn("events channel full, dropping tick", zap.String("channel", key.String()))
	}
}

func (p *CoinGeckoPoller) recordFailure() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.healthStatus.FailureCount++
	p.healthStatus.ConsecutiveFails++
	p.healthStatus.LastFailureTime = p.clock.Now()
}

func (p *CoinGeckoPoller) recordSuccess() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.healthStatus.ConsecutiveFails = 0
}
