package stream

import (
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/linluma/datafeed/datafeed/ohlc"
	"github.com/linluma/datafeed/shared/models"
)

// ErrDuplicateSubscriber is returned when a subscriber id is already registered
var ErrDuplicateSubscriber = errors.New("subscriber already registered")

// Subscriber is the registry record for one realtime listener
type Subscriber struct {
	ID         string
	Ticker     string
	Channel    models.ChannelKey
	Resolution ohlc.Resolution
}

// Registry tracks subscriber identity and the last known bar per ticker.
// It is safe for concurrent use; history requests seed it from their own goroutines.
type Registry struct {
	mu          sync.RWMutex
	clock       clock.Clock
	lastBars    map[string]models.Bar
	subscribers map[string]Subscriber
}

// NewRegistry creates an empty registry
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:       clk,
		lastBars:    make(map[string]models.Bar),
		subscribers: make(map[string]Subscriber),
	}
}

// LastBar returns the cached bar for a ticker
func (r *Registry) LastBar(ticker string) (models.Bar, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bar, ok := r.lastBars[ticker]
	return bar, ok
}

// SeedBar returns the cached bar, or an empty placeholder opened at the current bar boundary
func (r *Registry) SeedBar(ticker string, res ohlc.Resolution) models.Bar {
	if bar, ok := r.LastBar(ticker); ok {
		return bar
	}
	return models.Bar{Time: res.Align(r.clock.Now()).UnixMilli()}
}

// StoreLastBar caches bar unless a newer one is already cached
func (r *Registry) StoreLastBar(ticker string, bar models.Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.lastBars[ticker]; ok && cached.Time > bar.Time {
		return
	}
	r.lastBars[ticker] = bar
}

// ResetCache forgets the cached bar so the next subscription starts from history again
func (r *Registry) ResetCache(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastBars, ticker)
}

// Lookup returns the subscriber record for an id
func (r *Registry) Lookup(id string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subscribers[id]
	return sub, ok
}

// Subscribers lists subscriber ids listening to a ticker, sorted
func (r *Registry) Subscribers(ticker string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, sub := range r.subscribers {
		if sub.Ticker == ticker {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered subscribers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

func (r *Registry) add(sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subscribers[sub.ID]; exists {
		return ErrDuplicateSubscriber
	}
	r.subscribers[sub.ID] = sub
	return nil
}

func (r *Registry) remove(id string) (Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscribers[id]
	if ok {
		delete(r.subscribers, id)
	}
	return sub, ok
}
