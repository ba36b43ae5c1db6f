package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/linluma/datafeed/datafeed/metrics"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// ErrStopped is returned for requests made after the consolidator stopped
var ErrStopped = errors.New("consolidator stopped")

// Consolidator serializes ticks and subscription changes onto one goroutine.
// Every event runs to completion before the next one starts.
type Consolidator struct {
	mux    *Multiplexer
	tickCh chan models.Tick
	cmdCh  chan func()
	done   chan struct{}
	logger *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConsolidator creates a new event loop around a multiplexer
func NewConsolidator(mux *Multiplexer, logger *zap.Logger) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		mux:    mux,
		tickCh: make(chan models.Tick, 1000),
		cmdCh:  make(chan func()),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "consolidator")),
	}
}

// Start begins processing events
func (c *Consolidator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop ends the event loop and waits for it to exit
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// GetTickChannel returns the channel for submitting ticks
func (c *Consolidator) GetTickChannel() chan<- models.Tick {
	return c.tickCh
}

// Forward copies ticks from a source into the loop until the source closes or ctx ends
func (c *Consolidator) Forward(ctx context.Context, source string, events <-chan models.Tick) {
	for {
		select {
		case tick, ok := <-events:
			if !ok {
				c.logger.Info("tick source closed", zap.String("source", source))
				return
			}
			metrics.TickReceived(source)
			select {
			case c.tickCh <- tick:
			default:
				metrics.TickDropped("consolidator")
				c.logger.Warn("tick channel full, dropping tick",
					zap.String("channel", tick.Key().String()))
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// Subscribe registers a subscriber on the loop and returns its outcome
func (c *Consolidator) Subscribe(sub Subscription) error {
	result := make(chan error, 1)
	if err := c.exec(func() { result <- c.mux.Subscribe(sub) }); err != nil {
		return err
	}
	return <-result
}

// Unsubscribe removes a subscriber on the loop; it reports whether the id was known
func (c *Consolidator) Unsubscribe(subscriberID string) bool {
	result := make(chan bool, 1)
	if err := c.exec(func() { result <- c.mux.Unsubscribe(subscriberID) }); err != nil {
		return false
	}
	return <-result
}

// Channels returns the open channels as seen by the loop
func (c *Consolidator) Channels() []models.ChannelKey {
	result := make(chan []models.ChannelKey, 1)
	if err := c.exec(func() { result <- c.mux.Channels() }); err != nil {
		return nil
	}
	return <-result
}

// exec hands f to the loop and waits until it has run
func (c *Consolidator) exec(f func()) error {
	ran := make(chan struct{})
	select {
	case c.cmdCh <- func() { f(); close(ran) }:
	case <-c.done:
		return ErrStopped
	}
	<-ran
	return nil
}

// run processes ticks and commands until stopped
func (c *Consolidator) run() {
	defer c.wg.Done()

	for {
		select {
		case cmd := <-c.cmdCh:
			cmd()
		case tick := <-c.tickCh:
			c.mux.Dispatch(tick)
		case <-c.done:
			c.logger.Info("event loop stopping")
			return
		}
	}
}
