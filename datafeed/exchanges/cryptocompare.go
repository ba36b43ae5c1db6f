package exchanges

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/linluma/datafeed/datafeed/metrics"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// CryptoCompare streamer message types
const (
	ccTypeTrade        = "0"
	ccTypeWelcome      = "20"
	ccTypeSubscribed   = "16"
	ccTypeUnsubscribed = "17"
	ccTypeHeartbeat    = "999"
	ccTypeErrorFloor   = 400

	ccWriteWait = 5 * time.Second
)

// CryptoCompareMessage is a message from the CryptoCompare streamer
type CryptoCompareMessage struct {
	Type       string  `json:"TYPE"`
	Market     string  `json:"M"`
	FromSymbol string  `json:"FSYM"`
	ToSymbol   string  `json:"TSYM"`
	TradeID    string  `json:"ID"`
	Timestamp  int64   `json:"TS"` // seconds
	Quantity   float64 `json:"Q"`
	Price      float64 `json:"P"`
	Message    string  `json:"MESSAGE"`
	Parameter  string  `json:"PARAMETER"`
	Info       string  `json:"INFO"`
}

type ccSubscription struct {
	Action string   `json:"action"`
	Subs   []string `json:"subs"`
}

// CryptoCompareStream implements TickSource over the CryptoCompare websocket
type CryptoCompareStream struct {
	url       string
	apiKey    string
	conn      *websocket.Conn
	connected bool
	eventsCh  chan models.Tick
	mutex     sync.RWMutex
	writeMu   sync.Mutex
	writeWait time.Duration
	done      chan struct{}
	readerWg  sync.WaitGroup
	closeOnce sync.Once

	// Retry logic components
	retryConfig    RetryConfig
	healthStatus   ConnectionHealth
	recentFailures []time.Time

	// Allow test override of connect function
	connectFunc func() error

	onStatus StatusFunc
	logger   *zap.Logger
}

// NewCryptoCompareStream creates a new CryptoCompare streamer connector
func NewCryptoCompareStream(streamURL, apiKey string, logger *zap.Logger) *CryptoCompareStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CryptoCompareStream{
		url:            streamURL,
		apiKey:         apiKey,
		eventsCh:       make(chan models.Tick, 1000),
		writeWait:      ccWriteWait,
		done:           make(chan struct{}),
		recentFailures: make([]time.Time, 0),
		retryConfig:    DefaultRetryConfig(),
		logger:         logger.With(zap.String("source", string(models.SourceCryptoCompare))),
	}
}

// Name returns the provider name
func (c *CryptoCompareStream) Name() models.SourceName {
	return models.SourceCryptoCompare
}

// Mode reports push delivery
func (c *CryptoCompareStream) Mode() models.ConnectionMode {
	return models.PushMode
}

// OnStatus registers a connectivity callback
func (c *CryptoCompareStream) OnStatus(f StatusFunc) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onStatus = f
}

// SetRetryConfig configures retry behavior
func (c *CryptoCompareStream) SetRetryConfig(config RetryConfig) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.retryConfig = config
}

// GetConnectionHealth returns current connection health status
func (c *CryptoCompareStream) GetConnectionHealth() ConnectionHealth {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.healthStatus
}

// Connect opens the websocket, retrying with exponential backoff
func (c *CryptoCompareStream) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.connected {
		c.mutex.Unlock()
		return fmt.Errorf("already connected")
	}

	if err := c.connectWithRetry(ctx); err != nil {
		c.mutex.Unlock()
		return fmt.Errorf("failed to connect after retries: %w", err)
	}

	c.connected = true
	c.readerWg.Add(1)
	go c.readMessages()
	c.mutex.Unlock()

	c.notify(true)
	c.logger.Info("connected to CryptoCompare streamer")
	return nil
}

// connectWithRetry implements exponential backoff with storm protection
func (c *CryptoCompareStream) connectWithRetry(ctx context.Context) error {
	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.InitialInterval = c.retryConfig.InitialDelay
	backoffStrategy.MaxInterval = c.retryConfig.MaxDelay
	backoffStrategy.Multiplier = c.retryConfig.BackoffFactor
	backoffStrategy.MaxElapsedTime = 0 // bounded by MaxRetries instead

	if c.retryConfig.Jitter {
		backoffStrategy.RandomizationFactor = 0.25
	} else {
		backoffStrategy.RandomizationFactor = 0
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoffStrategy, uint64(c.retryConfig.MaxRetries)), ctx)

	operation := func() error {
		if c.isInStormMode() {
			return backoff.Permanent(fmt.Errorf("source in storm mode, skipping retry"))
		}

		var err error
		if c.connectFunc != nil {
			err = c.connectFunc()
		} else {
			err = c.connect(ctx)
		}

		if err != nil {
			c.recordFailure()
			c.logger.Warn("connection attempt failed",
				zap.Int("attempt", c.healthStatus.RetryAttempt), zap.Error(err))
			return err
		}

		c.recordSuccess()
		return nil
	}

	return backoff.Retry(operation, policy)
}

// connect performs the actual websocket dial
func (c *CryptoCompareStream) connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("invalid stream url %q: %w", c.url, err))
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("api_key", c.apiKey)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	c.conn = conn
	return nil
}

// isInStormMode checks if we should enter storm protection mode
func (c *CryptoCompareStream) isInStormMode() bool {
	oneMinuteAgo := time.Now().Add(-time.Minute)

	recent := make([]time.Time, 0, len(c.recentFailures))
	for _, failureTime := range c.recentFailures {
		if failureTime.After(oneMinuteAgo) {
			recent = append(recent, failureTime)
		}
	}
	c.recentFailures = recent

	if len(recent) >= c.retryConfig.StormThreshold {
		if !c.healthStatus.InStormMode {
			c.logger.Warn("entering storm mode", zap.Int("recent_failures", len(recent)))
			c.healthStatus.InStormMode = true
		}
		return true
	}

	if c.healthStatus.InStormMode {
		c.logger.Info("exiting storm mode")
		c.healthStatus.InStormMode = false
	}
	return false
}

// recordFailure records a connection failure
func (c *CryptoCompareStream) recordFailure() {
	now := time.Now()
	c.healthStatus.FailureCount++
	c.healthStatus.ConsecutiveFails++
	c.healthStatus.RetryAttempt++
	c.healthStatus.LastFailureTime = now
	c.recentFailures = append(c.recentFailures, now)
}

// recordSuccess records a successful connection
func (c *CryptoCompareStream) recordSuccess() {
	c.healthStatus.ConsecutiveFails = 0
	c.healthStatus.RetryAttempt = 0
	c.healthStatus.InStormMode = false
}

// SubscribeChannel sends SubAdd for the channel's trade stream
func (c *CryptoCompareStream) SubscribeChannel(key models.ChannelKey) error {
	return c.send(ccSubscription{Action: "SubAdd", Subs: []string{key.String()}})
}

// UnsubscribeChannel sends SubRemove for the channel's trade stream
func (c *CryptoCompareStream) UnsubscribeChannel(key models.ChannelKey) error {
	return c.send(ccSubscription{Action: "SubRemove", Subs: []string{key.String()}})
}

func (c *CryptoCompareStream) send(msg ccSubscription) error {
	c.mutex.RLock()
	conn, connected := c.conn, c.connected
	c.mutex.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Action, err)
	}

	c.logger.Debug("sent subscription message",
		zap.String("action", msg.Action), zap.Strings("subs", msg.Subs))
	return nil
}

// Disconnect closes the websocket and the events channel
func (c *CryptoCompareStream) Disconnect() error {
	c.mutex.Lock()
	if !c.connected && c.conn == nil {
		c.mutex.Unlock()
		return nil
	}

	c.closeOnce.Do(func() { close(c.done) })

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("error closing websocket", zap.Error(err))
		}
		c.conn = nil
	}
	wasConnected := c.connected
	c.connected = false
	c.mutex.Unlock()

	// reader must be gone before the channel it writes to is closed
	c.readerWg.Wait()
	close(c.eventsCh)

	if wasConnected {
		c.notify(false)
	}
	c.logger.Info("disconnected from CryptoCompare streamer")
	return nil
}

// IsConnected returns connection status
func (c *CryptoCompareStream) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected
}

// Events returns the channel for receiving ticks
func (c *CryptoCompareStream) Events() <-chan models.Tick {
	return c.eventsCh
}

func (c *CryptoCompareStream) notify(connected bool) {
	c.mutex.RLock()
	onStatus := c.onStatus
	c.mutex.RUnlock()
	if onStatus != nil {
		onStatus(connected)
	}
}

// readMessages reads and processes messages until the connection drops.
// The stream is not reconnected; status listeners are told it went away.
func (c *CryptoCompareStream) readMessages() {
	defer c.readerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reader panic recovered", zap.Any("panic", r))
		}
	}()

	c.mutex.RLock()
	conn := c.conn
	c.mutex.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket closed unexpectedly", zap.Error(err))
			} else {
				c.logger.Warn("websocket read error", zap.Error(err))
			}

			c.mutex.Lock()
			c.connected = false
			c.mutex.Unlock()
			c.notify(false)
			return
		}

		if err := c.processMessage(message); err != nil {
			c.logger.Warn("error processing message", zap.Error(err))
		}
	}
}

// processMessage handles one raw streamer message
func (c *CryptoCompareStream) processMessage(message []byte) error {
	var msg CryptoCompareMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	switch msg.Type {
	case ccTypeTrade:
	case ccTypeWelcome, ccTypeSubscribed, ccTypeUnsubscribed, ccTypeHeartbeat:
		c.logger.Debug("streamer message", zap.String("type", msg.Type), zap.String("message", msg.Message))
		return nil
	default:
		var code int
		if _, err := fmt.Sscanf(msg.Type, "%d", &code); err == nil && code >= ccTypeErrorFloor {
			c.logger.Warn("streamer error",
				zap.String("type", msg.Type),
				zap.String("message", msg.Message),
				zap.String("parameter", msg.Parameter),
				zap.String("info", msg.Info))
		}
		return nil
	}

	tick, err := msg.toTick()
	if err != nil {
		return err
	}

	select {
	case c.eventsCh <- tick:
	case <-c.done:
	default:
		metrics.TickDropped(string(models.SourceCryptoCompare))
		c.logger.Warn("events channel full, dropping tick", zap.String("channel", tick.Key().String()))
	}
	return nil
}

// toTick normalizes a trade message
func (m CryptoCompareMessage) toTick() (models.Tick, error) {
	if m.Market == "" || m.FromSymbol == "" || m.ToSymbol == "" {
		return models.Tick{}, fmt.Errorf("trade message missing market or pair: %+v", m)
	}
	if m.Price <= 0 {
		return models.Tick{}, fmt.Errorf("invalid price %v for %s~%s~%s", m.Price, m.Market, m.FromSymbol, m.ToSymbol)
	}

	return models.Tick{
		Exchange:   m.Market,
		FromSymbol: m.FromSymbol,
		ToSymbol:   m.ToSymbol,
		Price:      m.Price,
		Volume:     m.Quantity,
		Timestamp:  time.Unix(m.Timestamp, 0).UTC(),
	}, nil
}
