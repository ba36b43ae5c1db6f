package ohlc

import (
	"testing"
	"time"

	"github.com/linluma/datafeed/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickAt(ts time.Time, price, volume float64) models.Tick {
	return models.Tick{
		Exchange:   "Coinbase",
		FromSymbol: "BTC",
		ToSymbol:   "USD",
		Price:      price,
		Volume:     volume,
		Timestamp:  ts,
	}
}

// Ticks inside one minute update the bar, the first tick past the boundary opens a new one
func TestAggregateOneMinute(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	res := MustParseResolution("1")

	bar := models.Bar{Time: base.UnixMilli(), Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}

	bar, opened := Aggregate(bar, tickAt(base.Add(10*time.Second), 105, 2), res)
	assert.False(t, opened)
	assert.Equal(t, models.Bar{Time: base.UnixMilli(), Open: 100, High: 105, Low: 100, Close: 105, Volume: 3}, bar)

	bar, opened = Aggregate(bar, tickAt(base.Add(30*time.Second), 95, 0.5), res)
	assert.False(t, opened)
	assert.Equal(t, 95.0, bar.Low)
	assert.Equal(t, 105.0, bar.High)
	assert.Equal(t, 95.0, bar.Close)
	assert.Equal(t, 3.5, bar.Volume)

	bar, opened = Aggregate(bar, tickAt(base.Add(70*time.Second), 99, 4), res)
	assert.True(t, opened)
	assert.Equal(t, base.Add(time.Minute).UnixMilli(), bar.Time, "new bar opens on the minute boundary")
	assert.Equal(t, models.Bar{Time: bar.Time, Open: 99, High: 99, Low: 99, Close: 99, Volume: 4}, bar)
}

func TestAggregateBoundaryIsInclusive(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	bar := models.Bar{Time: base.UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1}

	bar, opened := Aggregate(bar, tickAt(base.Add(5*time.Minute), 2, 1), MustParseResolution("5"))
	assert.True(t, opened, "a tick exactly on the next boundary opens a new bar")
	assert.Equal(t, base.Add(5*time.Minute).UnixMilli(), bar.Time)
}

func TestAggregateHourGap(t *testing.T) {
	base := time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)
	bar := models.Bar{Time: base.UnixMilli(), Open: 10, High: 12, Low: 9, Close: 11}

	bar, opened := Aggregate(bar, tickAt(base.Add(61*time.Minute), 13, 1), MustParseResolution("60"))
	require.True(t, opened)
	assert.GreaterOrEqual(t, bar.Time, base.Add(60*time.Minute).UnixMilli())
	assert.Equal(t, base.Add(60*time.Minute).UnixMilli(), bar.Time)
	assert.Equal(t, 13.0, bar.Open)
}

func TestAggregateDailyNormalizesToMidnight(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bar := models.Bar{Time: day.UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1}

	bar, opened := Aggregate(bar, tickAt(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 2, 1), MustParseResolution("1D"))
	require.True(t, opened)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli(), bar.Time)

	bar, opened = Aggregate(bar, tickAt(time.Date(2024, 1, 2, 23, 59, 59, 0, time.UTC), 3, 1), MustParseResolution("D"))
	assert.False(t, opened)
	assert.Equal(t, 3.0, bar.High)

	bar, opened = Aggregate(bar, tickAt(time.Date(2024, 1, 4, 7, 30, 0, 0, time.UTC), 4, 1), MustParseResolution("D"))
	require.True(t, opened)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC).UnixMilli(), bar.Time)
}

func TestAggregateMonthlyUsesCalendarMonths(t *testing.T) {
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	bar := models.Bar{Time: feb.UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1}

	// 29 days into a leap-year February is still February
	bar, opened := Aggregate(bar, tickAt(time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), 2, 1), MustParseResolution("M"))
	assert.False(t, opened)

	bar, opened = Aggregate(bar, tickAt(time.Date(2024, 3, 1, 0, 0, 1, 0, time.UTC), 3, 1), MustParseResolution("M"))
	require.True(t, opened)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), bar.Time)
}

func TestAggregateEmptySeed(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 20, 0, time.UTC)
	seed := models.Bar{Time: now.UnixMilli()}

	bar, opened := Aggregate(seed, tickAt(now.Add(5*time.Second), 42, 0), MustParseResolution("1"))
	assert.False(t, opened)
	assert.Equal(t, 42.0, bar.Open)
	assert.Equal(t, 42.0, bar.Low, "low must not stick at the placeholder zero")
	assert.Equal(t, seed.Time, bar.Time)
}

func TestAggregatorStalePolicy(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	prev := models.Bar{Time: base.UnixMilli(), Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}
	stale := tickAt(base.Add(-30*time.Second), 80, 1)

	t.Run("Fold", func(t *testing.T) {
		agg := NewAggregator(MustParseResolution("1"), StaleFold)
		bar, opened, dropped := agg.Apply(prev, stale)
		assert.False(t, opened)
		assert.False(t, dropped)
		assert.Equal(t, 80.0, bar.Low)
		assert.Equal(t, 80.0, bar.Close)
		assert.Equal(t, prev.Time, bar.Time, "bar time never moves backwards")
	})

	t.Run("Drop", func(t *testing.T) {
		agg := NewAggregator(MustParseResolution("1"), StaleDrop)
		bar, opened, dropped := agg.Apply(prev, stale)
		assert.False(t, opened)
		assert.True(t, dropped)
		assert.Equal(t, prev, bar)

		bar, _, dropped = agg.Apply(prev, tickAt(base.Add(time.Second), 101, 1))
		assert.False(t, dropped)
		assert.Equal(t, 101.0, bar.Close)
	})
}

// Emitted bar times never decrease over an arbitrary tick sequence
func TestAggregateMonotonic(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := MustParseResolution("15")
	bar := models.Bar{Time: base.UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1}

	offsets := []time.Duration{
		time.Minute, 14 * time.Minute, 16 * time.Minute, 3 * time.Minute,
		45 * time.Minute, 44 * time.Minute, 3 * time.Hour, 3*time.Hour + 59*time.Second,
	}
	for _, off := range offsets {
		next, _ := Aggregate(bar, tickAt(base.Add(off), 1, 1), res)
		assert.GreaterOrEqual(t, next.Time, bar.Time)
		assert.GreaterOrEqual(t, next.High, next.Low)
		bar = next
	}
}
