package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// OHLCDays are the day ranges the CoinGecko OHLC endpoint accepts
var OHLCDays = []int{1, 7, 14, 30, 90, 180, 365}

// CoinSearchHit is one coin returned by /search
type CoinSearchHit struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	MarketCapRank int    `json:"market_cap_rank"`
	Thumb         string `json:"thumb"`
	Large         string `json:"large"`
}

// CoinDetail is the subset of /coins/{id} the datafeed uses
type CoinDetail struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Image  struct {
		Thumb string `json:"thumb"`
	} `json:"image"`
}

// OHLCPoint is one CoinGecko candle; Time is unix milliseconds
type OHLCPoint struct {
	Time  int64
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// CoinGeckoClient talks to the CoinGecko REST API
type CoinGeckoClient struct {
	rest *restClient
}

// NewCoinGeckoClient creates a new CoinGecko REST client
func NewCoinGeckoClient(opts Options) *CoinGeckoClient {
	return &CoinGeckoClient{
		rest: newRESTClient("coingecko", opts, "x-cg-demo-api-key", opts.APIKey),
	}
}

// Search finds coins matching a free text query
func (c *CoinGeckoClient) Search(ctx context.Context, query string) ([]CoinSearchHit, error) {
	var resp struct {
		Coins []CoinSearchHit `json:"coins"`
	}
	if err := c.rest.getJSON(ctx, "search", "/search", url.Values{"query": {query}}, &resp); err != nil {
		return nil, err
	}
	return resp.Coins, nil
}

// Coin fetches one coin by id. Unknown ids match ErrNotFound.
func (c *CoinGeckoClient) Coin(ctx context.Context, id string) (CoinDetail, error) {
	query := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"market_data":    {"false"},
		"community_data": {"false"},
		"developer_data": {"false"},
	}

	var detail CoinDetail
	if err := c.rest.getJSON(ctx, "coin", "/coins/"+url.PathEscape(id), query, &detail); err != nil {
		return CoinDetail{}, err
	}
	if detail.ID == "" {
		return CoinDetail{}, fmt.Errorf("%w: coin %q", ErrNotFound, id)
	}
	return detail, nil
}

// OHLC returns candles for the last days days; days should be one of OHLCDays.
// Rows that are not [time, open, high, low, close] are skipped; a body of another shape is ErrNoData.
func (c *CoinGeckoClient) OHLC(ctx context.Context, id, vsCurrency string, days int) ([]OHLCPoint, error) {
	query := url.Values{
		"vs_currency": {strings.ToLower(vsCurrency)},
		"days":        {fmt.Sprint(days)},
	}

	var rows [][]float64
	if err := c.rest.getJSON(ctx, "ohlc", "/coins/"+url.PathEscape(id)+"/ohlc", query, &rows); err != nil {
		return nil, asNoData(err)
	}

	points := make([]OHLCPoint, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		points = append(points, OHLCPoint{
			Time:  int64(row[0]),
			Open:  row[1],
			High:  row[2],
			Low:   row[3],
			Close: row[4],
		})
	}
	return points, nil
}

// SimplePrice returns the current price of a coin
func (c *CoinGeckoClient) SimplePrice(ctx context.Context, coinID, vsCurrency string) (float64, error) {
	vs := strings.ToLower(vsCurrency)
	query := url.Values{
		"ids":           {coinID},
		"vs_currencies": {vs},
	}

	var resp map[string]map[string]float64
	if err := c.rest.getJSON(ctx, "simple_price", "/simple/price", query, &resp); err != nil {
		return 0, err
	}

	price, ok := resp[coinID][vs]
	if !ok {
		return 0, fmt.Errorf("%w: price for %s/%s", ErrNotFound, coinID, vs)
	}
	return price, nil
}

// DaysFor returns the smallest accepted OHLC day range covering span days
func DaysFor(spanDays float64) int {
	for _, d := range OHLCDays {
		if float64(d) >= spanDays {
			return d
		}
	}
	return OHLCDays[len(OHLCDays)-1]
}
