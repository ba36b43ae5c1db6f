package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceName represents a supported market data provider
type SourceName string

// Supported providers
const (
	SourceCryptoCompare SourceName = "cryptocompare"
	SourceCoinGecko     SourceName = "coingecko"
)

// ConnectionMode represents how a tick source receives prices
type ConnectionMode int

const (
	PushMode ConnectionMode = iota // upstream streams trades over a websocket
	PollMode                       // price is fetched on a fixed interval
)

func (m ConnectionMode) String() string {
	if m == PollMode {
		return "poll"
	}
	return "push"
}

// ChannelKey identifies one upstream realtime stream
type ChannelKey struct {
	Exchange   string `json:"exchange"`
	FromSymbol string `json:"from_symbol"`
	ToSymbol   string `json:"to_symbol"`
}

// String renders the key in CryptoCompare's trade subscription form (0~EX~FROM~TO)
func (k ChannelKey) String() string {
	return fmt.Sprintf("0~%s~%s~%s", k.Exchange, k.FromSymbol, k.ToSymbol)
}

// Ticker renders the key as a full symbol name, e.g. Coinbase:BTC/USD
func (k ChannelKey) Ticker() string {
	return fmt.Sprintf("%s:%s/%s", k.Exchange, k.FromSymbol, k.ToSymbol)
}

// ParseFullSymbol parses "Exchange:FROM/TO" into a channel key
func ParseFullSymbol(fullName string) (ChannelKey, bool) {
	exchange, pair, ok := strings.Cut(fullName, ":")
	if !ok || exchange == "" {
		return ChannelKey{}, false
	}
	from, to, ok := strings.Cut(pair, "/")
	if !ok || from == "" || to == "" {
		return ChannelKey{}, false
	}
	return ChannelKey{Exchange: exchange, FromSymbol: from, ToSymbol: to}, true
}

// Tick is a single normalized trade or price observation
type Tick struct {
	Exchange   string    `json:"exchange"`
	FromSymbol string    `json:"from_symbol"`
	ToSymbol   string    `json:"to_symbol"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the channel this tick belongs to
func (t Tick) Key() ChannelKey {
	return ChannelKey{Exchange: t.Exchange, FromSymbol: t.FromSymbol, ToSymbol: t.ToSymbol}
}

// Bar is an OHLCV candle. Time is the bar open in unix milliseconds.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// OpenTime returns the bar open as a UTC time
func (b Bar) OpenTime() time.Time {
	return time.UnixMilli(b.Time).UTC()
}

// IsEmpty reports whether the bar carries no prices yet (a placeholder seed)
func (b Bar) IsEmpty() bool {
	return b.Open == 0 && b.High == 0 && b.Low == 0 && b.Close == 0
}
