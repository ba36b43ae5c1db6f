package ohlc

import (
	"math"

	"github.com/linluma/datafeed/shared/models"
)

// StalePolicy decides what happens to a tick older than the current bar
type StalePolicy int

const (
	// StaleFold folds the tick into the current bar like any other tick
	StaleFold StalePolicy = iota
	// StaleDrop ignores the tick
	StaleDrop
)

// Aggregate folds a tick into the previous bar.
// It returns the resulting bar and whether a new bar was opened.
func Aggregate(prev models.Bar, tick models.Tick, res Resolution) (models.Bar, bool) {
	next := res.Advance(prev.OpenTime())

	if !tick.Timestamp.Before(next) {
		return models.Bar{
			Time:   res.Align(tick.Timestamp).UnixMilli(),
			Open:   tick.Price,
			High:   tick.Price,
			Low:    tick.Price,
			Close:  tick.Price,
			Volume: tick.Volume,
		}, true
	}

	// Placeholder seed: take prices from the first tick rather than folding against zeros
	if prev.IsEmpty() {
		return models.Bar{
			Time:   prev.Time,
			Open:   tick.Price,
			High:   tick.Price,
			Low:    tick.Price,
			Close:  tick.Price,
			Volume: prev.Volume + tick.Volume,
		}, false
	}

	return models.Bar{
		Time:   prev.Time,
		Open:   prev.Open,
		High:   math.Max(prev.High, tick.Price),
		Low:    math.Min(prev.Low, tick.Price),
		Close:  tick.Price,
		Volume: prev.Volume + tick.Volume,
	}, false
}

// Aggregator binds a resolution and stale tick policy
type Aggregator struct {
	resolution Resolution
	policy     StalePolicy
}

// NewAggregator creates a new bar aggregator
func NewAggregator(resolution Resolution, policy StalePolicy) Aggregator {
	return Aggregator{resolution: resolution, policy: policy}
}

// Resolution returns the bar period
func (a Aggregator) Resolution() Resolution {
	return a.resolution
}

// Apply folds a tick into prev. dropped is true when the tick was ignored as stale,
// in which case prev is returned unchanged.
func (a Aggregator) Apply(prev models.Bar, tick models.Tick) (bar models.Bar, opened bool, dropped bool) {
	if a.policy == StaleDrop && tick.Timestamp.UnixMilli() < prev.Time {
		return prev, false, true
	}
	bar, opened = Aggregate(prev, tick, a.resolution)
	return bar, opened, false
}
