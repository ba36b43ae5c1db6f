package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/datafeed/datafeed/upstream"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// ErrUnknownSymbol is returned when a symbol cannot be resolved
var ErrUnknownSymbol = errors.New("unknown symbol")

// Catalog searches and resolves symbols for one provider
type Catalog interface {
	Search(ctx context.Context, query, exchange, symbolType string) ([]models.SearchResult, error)
	Resolve(ctx context.Context, name string) (models.SymbolInfo, error)
}

const symbolType = "crypto"

// withDefaults fills the widget fields every crypto symbol shares
func withDefaults(info models.SymbolInfo, resolutions []string) models.SymbolInfo {
	info.Type = symbolType
	info.Session = "24x7"
	info.Timezone = "Etc/UTC"
	info.MinMov = 1
	info.PriceScale = 100
	info.HasIntraday = true
	info.HasDaily = true
	info.HasWeeklyAndMonthly = true
	info.SupportedResolutions = append([]string(nil), resolutions...)
	info.VolumePrecision = 2
	info.DataStatus = "streaming"
	if info.ListedExchange == "" {
		info.ListedExchange = info.Exchange
	}
	return info
}

func typeMatches(requested string) bool {
	return requested == "" || strings.EqualFold(requested, symbolType)
}

// ExchangeLister lists CryptoCompare exchanges and pairs
type ExchangeLister interface {
	Exchanges(ctx context.Context) (map[string]upstream.CryptoCompareExchange, error)
}

// CryptoCompareCatalog serves symbols from CryptoCompare's exchange listing, cached in memory
type CryptoCompareCatalog struct {
	client      ExchangeLister
	exchanges   []string
	resolutions []string
	ttl         time.Duration
	clock       clock.Clock
	logger      *zap.Logger

	mu       sync.Mutex
	symbols  []models.SymbolInfo
	byTicker map[string]models.SymbolInfo
	loadedAt time.Time
}

// NewCryptoCompareCatalog creates a catalog limited to the given exchanges (all when empty)
func NewCryptoCompareCatalog(client ExchangeLister, exchanges, resolutions []string, clk clock.Clock, logger *zap.Logger) *CryptoCompareCatalog {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CryptoCompareCatalog{
		client:      client,
		exchanges:   exchanges,
		resolutions: resolutions,
		ttl:         time.Hour,
		clock:       clk,
		logger:      logger.With(zap.String("component", "catalog")),
	}
}

// Search filters the symbol list by a case-insensitive substring of the full name
func (c *CryptoCompareCatalog) Search(ctx context.Context, query, exchange, symType string) ([]models.SearchResult, error) {
	symbols, _, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if !typeMatches(symType) {
		return []models.SearchResult{}, nil
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	results := make([]models.SearchResult, 0)
	for _, s := range symbols {
		if exchange != "" && !strings.EqualFold(s.Exchange, exchange) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(s.FullName), needle) {
			continue
		}
		results = append(results, models.SearchResult{
			Symbol:      s.Name,
			FullName:    s.FullName,
			Description: s.Description,
			Exchange:    s.Exchange,
			Ticker:      s.Ticker,
			Type:        s.Type,
		})
	}
	return results, nil
}

// Resolve looks a symbol up by its full name, e.g. Coinbase:BTC/USD
func (c *CryptoCompareCatalog) Resolve(ctx context.Context, name string) (models.SymbolInfo, error) {
	_, byTicker, err := c.load(ctx)
	if err != nil {
		return models.SymbolInfo{}, err
	}
	info, ok := byTicker[name]
	if !ok {
		return models.SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, name)
	}
	return info, nil
}

func (c *CryptoCompareCatalog) load(ctx context.Context) ([]models.SymbolInfo, map[string]models.SymbolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.symbols != nil && c.clock.Since(c.loadedAt) < c.ttl {
		return c.symbols, c.byTicker, nil
	}

	listing, err := c.client.Exchanges(ctx)
	if err != nil {
		if c.symbols != nil {
			c.logger.Warn("symbol refresh failed, serving stale list", zap.Error(err))
			return c.symbols, c.byTicker, nil
		}
		return nil, nil, fmt.Errorf("failed to load symbols: %w", err)
	}

	wanted := make(map[string]bool, len(c.exchanges))
	for _, e := range c.exchanges {
		if e != "" {
			wanted[strings.ToLower(e)] = true
		}
	}

	symbols := make([]models.SymbolInfo, 0)
	for exchange, details := range listing {
		if len(wanted) > 0 && !wanted[strings.ToLower(exchange)] {
			continue
		}
		for base, quotes := range details.Pairs {
			for _, quote := range quotes {
				key := models.ChannelKey{Exchange: exchange, FromSymbol: base, ToSymbol: quote}
				pair := base + "/" + quote
				symbols = append(symbols, withDefaults(models.SymbolInfo{
					Name:        pair,
					Ticker:      key.Ticker(),
					FullName:    key.Ticker(),
					Description: pair,
					Exchange:    exchange,
					Base:        base,
					Quote:       quote,
				}, c.resolutions))
			}
		}
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Ticker < symbols[j].Ticker })

	byTicker := make(map[string]models.SymbolInfo, len(symbols))
	for _, s := range symbols {
		byTicker[s.Ticker] = s
	}

	c.symbols, c.byTicker, c.loadedAt = symbols, byTicker, c.clock.Now()
	c.logger.Info("loaded symbols", zap.Int("count", len(symbols)))
	return symbols, byTicker, nil
}

// CoinGeckoAPI is the CoinGecko surface the datafeed uses
type CoinGeckoAPI interface {
	Search(ctx context.Context, query string) ([]upstream.CoinSearchHit, error)
	Coin(ctx context.Context, id string) (upstream.CoinDetail, error)
	OHLC(ctx context.Context, id, vsCurrency string, days int) ([]upstream.OHLCPoint, error)
}

// CoinGeckoExchange is the exchange name CoinGecko symbols are listed under
const CoinGeckoExchange = "CoinGecko"

// CoinGeckoCatalog searches and resolves coins through the CoinGecko API, quoted in one currency
type CoinGeckoCatalog struct {
	client      CoinGeckoAPI
	vsCurrency  string
	resolutions []string
}

// NewCoinGeckoCatalog creates a CoinGecko backed catalog; vsCurrency defaults to usd
func NewCoinGeckoCatalog(client CoinGeckoAPI, vsCurrency string, resolutions []string) *CoinGeckoCatalog {
	if vsCurrency == "" {
		vsCurrency = "usd"
	}
	return &CoinGeckoCatalog{client: client, vsCurrency: strings.ToLower(vsCurrency), resolutions: resolutions}
}

// Search queries CoinGecko's coin search
func (c *CoinGeckoCatalog) Search(ctx context.Context, query, exchange, symType string) ([]models.SearchResult, error) {
	if !typeMatches(symType) || (exchange != "" && !strings.EqualFold(exchange, CoinGeckoExchange)) {
		return []models.SearchResult{}, nil
	}

	hits, err := c.client.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	quote := strings.ToUpper(c.vsCurrency)
	results := make([]models.SearchResult, 0, len(hits))
	for _, hit := range hits {
		key := c.channel(hit.ID)
		result := models.SearchResult{
			Symbol:      strings.ToUpper(hit.Symbol) + quote,
			FullName:    hit.Name + " " + quote,
			Description: hit.Name,
			Exchange:    CoinGeckoExchange,
			Ticker:      key.Ticker(),
			Type:        symbolType,
		}
		if hit.Thumb != "" {
			result.LogoURLs = []string{hit.Thumb}
		}
		results = append(results, result)
	}
	return results, nil
}

// Resolve accepts a ticker (CoinGecko:bitcoin/usd), a pair name (BTCUSD) or a bare coin id
func (c *CoinGeckoCatalog) Resolve(ctx context.Context, name string) (models.SymbolInfo, error) {
	id := c.coinID(name)
	if id == "" {
		return models.SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, name)
	}

	coin, err := c.client.Coin(ctx, id)
	if errors.Is(err, upstream.ErrNotFound) {
		return models.SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, name)
	}
	if err != nil {
		return models.SymbolInfo{}, err
	}

	key := c.channel(coin.ID)
	info := models.SymbolInfo{
		Name:        strings.ToUpper(coin.Symbol) + strings.ToUpper(c.vsCurrency),
		Ticker:      key.Ticker(),
		FullName:    key.Ticker(),
		Description: coin.Name,
		Exchange:    CoinGeckoExchange,
		Base:        coin.ID,
		Quote:       c.vsCurrency,
	}
	if coin.Image.Thumb != "" {
		info.LogoURLs = []string{coin.Image.Thumb}
	}
	return withDefaults(info, c.resolutions), nil
}

func (c *CoinGeckoCatalog) channel(coinID string) models.ChannelKey {
	return models.ChannelKey{Exchange: CoinGeckoExchange, FromSymbol: coinID, ToSymbol: c.vsCurrency}
}

func (c *CoinGeckoCatalog) coinID(name string) string {
	name = strings.TrimSpace(name)
	if key, ok := models.ParseFullSymbol(name); ok {
		if !strings.EqualFold(key.Exchange, CoinGeckoExchange) || !strings.EqualFold(key.ToSymbol, c.vsCurrency) {
			return ""
		}
		return strings.ToLower(key.FromSymbol)
	}
	suffix := strings.ToUpper(c.vsCurrency)
	if strings.HasSuffix(strings.ToUpper(name), suffix) && len(name) > len(suffix) {
		name = name[:len(name)-len(suffix)]
	}
	return strings.ToLower(name)
}
