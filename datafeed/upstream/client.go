package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linluma/datafeed/datafeed/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrUpstream marks failures talking to a provider
	ErrUpstream = errors.New("upstream request failed")
	// ErrNotFound marks a resource the provider does not know
	ErrNotFound = errors.New("upstream resource not found")
	// ErrNoData marks an answer with no usable data in it
	ErrNoData = errors.New("upstream returned no data")

	// errMalformed marks a 2xx body that does not decode into the expected shape
	errMalformed = errors.New("invalid JSON")
)

// StatusError is a non-2xx provider response
type StatusError struct {
	Provider   string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Endpoint, e.StatusCode, e.Body)
}

// Is lets callers match ErrUpstream, and ErrNotFound for 404s
func (e *StatusError) Is(target error) bool {
	if target == ErrUpstream {
		return true
	}
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Options configures a provider client
type Options struct {
	BaseURL    string
	APIKey     string
	RateLimit  float64 // requests per second, zero disables limiting
	Burst      int
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// restClient is the rate limited, circuit broken JSON getter shared by providers
type restClient struct {
	provider   string
	baseURL    string
	authHeader string
	authValue  string
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

func newRESTClient(provider string, opts Options, authHeader, authValue string) *restClient {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", provider))

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// a missing resource says nothing about provider health
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &restClient{
		provider:   provider,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		authHeader: authHeader,
		authValue:  authValue,
		http:       httpClient,
		limiter:    limiter,
		breaker:    breaker,
		logger:     logger,
	}
}

// getJSON performs GET baseURL+path?query and decodes the body into out.
// endpoint names the call for logs and metrics.
func (c *restClient) getJSON(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait error for %s: %w", endpoint, err)
	}

	start := time.Now()
	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, endpoint, path, query)
	})
	took := time.Since(start)

	if err != nil {
		metrics.UpstreamRequest(c.provider, endpoint, outcome(err), took)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s %s: %v", ErrUpstream, c.provider, endpoint, err)
		}
		return err
	}
	metrics.UpstreamRequest(c.provider, endpoint, "ok", took)

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("%w: %s %s: %w: %v", ErrUpstream, c.provider, endpoint, errMalformed, err)
	}
	return nil
}

func (c *restClient) do(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" && c.authValue != "" {
		req.Header.Set(c.authHeader, c.authValue)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUpstream, c.provider, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: reading body: %v", ErrUpstream, c.provider, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		c.logger.Debug("upstream returned error status",
			zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Provider: c.provider, Endpoint: endpoint, StatusCode: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

// asNoData turns a malformed answer into ErrNoData; other errors pass through
func asNoData(err error) error {
	if errors.Is(err, errMalformed) {
		return fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
