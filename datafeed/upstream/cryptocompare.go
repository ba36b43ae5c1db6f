package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CryptoCompare history endpoints
const (
	HistoMinute = "histominute"
	HistoHour   = "histohour"
	HistoDay    = "histoday"
)

// MaxHistoryLimit is the largest number of points one history request may ask for
const MaxHistoryLimit = 2000

// CryptoCompareExchange lists the pairs an exchange trades, keyed by base symbol
type CryptoCompareExchange struct {
	IsActive bool                `json:"isActive"`
	Pairs    map[string][]string `json:"pairs"`
}

// HistoryRequest selects a window of CryptoCompare history
type HistoryRequest struct {
	Exchange   string
	FromSymbol string
	ToSymbol   string
	Endpoint   string // HistoMinute, HistoHour or HistoDay
	Aggregate  int
	Limit      int
	ToTs       int64 // unix seconds, zero means now
}

// HistoryPoint is one CryptoCompare OHLCV point; Time is unix seconds
type HistoryPoint struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	VolumeFrom float64 `json:"volumefrom"`
	VolumeTo   float64 `json:"volumeto"`
}

type ccEnvelope struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
}

// CryptoCompareClient talks to the CryptoCompare REST API
type CryptoCompareClient struct {
	rest *restClient
}

// NewCryptoCompareClient creates a new CryptoCompare REST client
func NewCryptoCompareClient(opts Options) *CryptoCompareClient {
	authValue := ""
	if opts.APIKey != "" {
		authValue = "Apikey " + opts.APIKey
	}
	return &CryptoCompareClient{
		rest: newRESTClient("cryptocompare", opts, "authorization", authValue),
	}
}

// Exchanges returns every exchange with its traded pairs
func (c *CryptoCompareClient) Exchanges(ctx context.Context) (map[string]CryptoCompareExchange, error) {
	var resp struct {
		ccEnvelope
		Data map[string]CryptoCompareExchange `json:"Data"`
	}
	if err := c.rest.getJSON(ctx, "exchanges", "/data/v3/all/exchanges", nil, &resp); err != nil {
		return nil, err
	}
	if strings.EqualFold(resp.Response, "Error") {
		return nil, fmt.Errorf("%w: exchanges: %s", ErrUpstream, resp.Message)
	}
	return resp.Data, nil
}

// History returns OHLCV points ending at req.ToTs. Error and malformed answers map to ErrNoData.
func (c *CryptoCompareClient) History(ctx context.Context, req HistoryRequest) ([]HistoryPoint, error) {
	switch req.Endpoint {
	case HistoMinute, HistoHour, HistoDay:
	default:
		return nil, fmt.Errorf("unknown history endpoint %q", req.Endpoint)
	}

	query := url.Values{}
	query.Set("fsym", req.FromSymbol)
	query.Set("tsym", req.ToSymbol)
	if req.Exchange != "" {
		query.Set("e", req.Exchange)
	}
	if req.Aggregate > 1 {
		query.Set("aggregate", strconv.Itoa(req.Aggregate))
	}
	if req.Limit > 0 {
		limit := req.Limit
		if limit > MaxHistoryLimit {
			limit = MaxHistoryLimit
		}
		query.Set("limit", strconv.Itoa(limit))
	}
	if req.ToTs > 0 {
		query.Set("toTs", strconv.FormatInt(req.ToTs, 10))
	}

	var resp struct {
		ccEnvelope
		Data struct {
			Data []HistoryPoint `json:"Data"`
		} `json:"Data"`
	}
	if err := c.rest.getJSON(ctx, req.Endpoint, "/data/v2/"+req.Endpoint, query, &resp); err != nil {
		return nil, asNoData(err)
	}

	if strings.EqualFold(resp.Response, "Error") {
		return nil, fmt.Errorf("%w: %s", ErrNoData, resp.Message)
	}
	if len(resp.Data.Data) == 0 {
		return nil, ErrNoData
	}
	return resp.Data.Data, nil
}
