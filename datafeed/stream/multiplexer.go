package stream

import (
	"fmt"
	"sort"

	"github.com/linluma/datafeed/datafeed/metrics"
	"github.com/linluma/datafeed/datafeed/ohlc"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// Upstream opens and closes realtime channels at the tick source
type Upstream interface {
	SubscribeChannel(key models.ChannelKey) error
	UnsubscribeChannel(key models.ChannelKey) error
}

// BarCallback receives every bar update for a subscriber. It runs on the event loop and must not block.
type BarCallback func(models.Bar)

// Handler is one subscriber attached to a channel
type Handler struct {
	SubscriberID string
	Callback     BarCallback
}

// Subscription describes a subscribe request
type Subscription struct {
	SubscriberID string
	Ticker       string
	Channel      models.ChannelKey
	Resolution   ohlc.Resolution
	Callback     BarCallback
}

// SubscriptionItem is the shared state of one upstream channel
type SubscriptionItem struct {
	Channel    models.ChannelKey
	Ticker     string
	Resolution ohlc.Resolution
	LastBar    models.Bar
	Handlers   []Handler

	aggregator ohlc.Aggregator
}

// Multiplexer fans one upstream channel out to many subscribers.
// It is not safe for concurrent use; the Consolidator owns it.
type Multiplexer struct {
	upstream Upstream
	registry *Registry
	policy   ohlc.StalePolicy
	items    map[models.ChannelKey]*SubscriptionItem
	logger   *zap.Logger
}

// NewMultiplexer creates a multiplexer over an upstream tick source
func NewMultiplexer(upstream Upstream, registry *Registry, policy ohlc.StalePolicy, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		upstream: upstream,
		registry: registry,
		policy:   policy,
		items:    make(map[models.ChannelKey]*SubscriptionItem),
		logger:   logger.With(zap.String("component", "multiplexer")),
	}
}

// Subscribe attaches a handler, opening the upstream channel for the first one
func (m *Multiplexer) Subscribe(sub Subscription) error {
	if sub.Callback == nil {
		return fmt.Errorf("subscriber %s has no callback", sub.SubscriberID)
	}

	if err := m.registry.add(Subscriber{
		ID:         sub.SubscriberID,
		Ticker:     sub.Ticker,
		Channel:    sub.Channel,
		Resolution: sub.Resolution,
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.SubscriberID, err)
	}

	handler := Handler{SubscriberID: sub.SubscriberID, Callback: sub.Callback}

	if item, ok := m.items[sub.Channel]; ok {
		if item.Resolution != sub.Resolution {
			m.logger.Warn("channel already aggregating at a different resolution",
				zap.String("channel", sub.Channel.String()),
				zap.Stringer("channel_resolution", item.Resolution),
				zap.Stringer("requested_resolution", sub.Resolution))
		}
		item.Handlers = append(item.Handlers, handler)
		m.updateGauges()
		return nil
	}

	if err := m.upstream.SubscribeChannel(sub.Channel); err != nil {
		m.registry.remove(sub.SubscriberID)
		return fmt.Errorf("failed to open channel %s: %w", sub.Channel, err)
	}

	m.items[sub.Channel] = &SubscriptionItem{
		Channel:    sub.Channel,
		Ticker:     sub.Ticker,
		Resolution: sub.Resolution,
		LastBar:    m.registry.SeedBar(sub.Ticker, sub.Resolution),
		Handlers:   []Handler{handler},
		aggregator: ohlc.NewAggregator(sub.Resolution, m.policy),
	}

	m.logger.Info("opened channel",
		zap.String("channel", sub.Channel.String()),
		zap.String("subscriber", sub.SubscriberID))
	m.updateGauges()
	return nil
}

// Unsubscribe removes the first handler with the given id and closes the channel when it empties
func (m *Multiplexer) Unsubscribe(subscriberID string) bool {
	sub, ok := m.registry.remove(subscriberID)
	if !ok {
		return false
	}

	item, ok := m.items[sub.Channel]
	if !ok {
		return false
	}

	for i, h := range item.Handlers {
		if h.SubscriberID == subscriberID {
			item.Handlers = append(item.Handlers[:i], item.Handlers[i+1:]...)
			break
		}
	}

	if len(item.Handlers) == 0 {
		delete(m.items, sub.Channel)
		if err := m.upstream.UnsubscribeChannel(sub.Channel); err != nil {
			m.logger.Warn("failed to close upstream channel",
				zap.String("channel", sub.Channel.String()), zap.Error(err))
		}
		m.logger.Info("closed channel", zap.String("channel", sub.Channel.String()))
	}

	m.updateGauges()
	return true
}

// Dispatch folds a tick into its channel's bar and notifies handlers in registration order.
// Ticks for unknown channels are ignored.
func (m *Multiplexer) Dispatch(tick models.Tick) bool {
	item, ok := m.items[tick.Key()]
	if !ok {
		metrics.TickUnrouted()
		return false
	}

	bar, _, dropped := item.aggregator.Apply(item.LastBar, tick)
	if dropped {
		metrics.TickStale()
		return false
	}

	item.LastBar = bar
	m.registry.StoreLastBar(item.Ticker, bar)

	handlers := append([]Handler(nil), item.Handlers...)
	for _, h := range handlers {
		m.invoke(h, bar)
	}
	metrics.BarDispatched(len(handlers))
	return true
}

// invoke runs a callback, isolating the loop from panicking subscribers
func (m *Multiplexer) invoke(h Handler, bar models.Bar) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber callback panicked",
				zap.String("subscriber", h.SubscriberID), zap.Any("panic", r))
		}
	}()
	h.Callback(bar)
}

// Item returns a copy of a channel's state
func (m *Multiplexer) Item(key models.ChannelKey) (SubscriptionItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return SubscriptionItem{}, false
	}
	cp := *item
	cp.Handlers = append([]Handler(nil), item.Handlers...)
	return cp, true
}

// Channels lists open channels sorted by their subscription string
func (m *Multiplexer) Channels() []models.ChannelKey {
	keys := make([]models.ChannelKey, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of open channels
func (m *Multiplexer) Len() int {
	return len(m.items)
}

func (m *Multiplexer) updateGauges() {
	metrics.SetActiveChannels(len(m.items))
	metrics.SetActiveSubscribers(m.registry.Len())
}
