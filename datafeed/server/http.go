package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/linluma/datafeed/datafeed/feed"
	"github.com/linluma/datafeed/datafeed/stream"
	"github.com/linluma/datafeed/shared/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Feed is the datafeed surface served over HTTP and websocket
type Feed interface {
	Configure() models.DatafeedConfiguration
	SearchSymbols(ctx context.Context, query, exchange, symbolType string) ([]models.SearchResult, error)
	ResolveSymbol(ctx context.Context, name string) (models.SymbolInfo, error)
	GetBars(ctx context.Context, info models.SymbolInfo, resolution string, period feed.PeriodParams) (feed.BarsResult, error)
	SubscribeBars(info models.SymbolInfo, resolution, subscriberID string, callback stream.BarCallback) error
	UnsubscribeBars(subscriberID string) bool
	ResetCache(ticker string)
}

// StatusFunc reports the tick source for the health endpoint
type StatusFunc func() (source string, connected bool)

const (
	defaultSearchLimit = 30
	requestTimeout     = 30 * time.Second
)

// HTTPServer serves UDF style endpoints and the bar stream
type HTTPServer struct {
	feed   Feed
	engine *gin.Engine
	server *http.Server
	hub    *Hub
	status StatusFunc
	logger *zap.Logger
}

// NewHTTPServer creates the HTTP server; call Start to listen
func NewHTTPServer(f Feed, port int, status StatusFunc, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		feed:   f,
		engine: gin.New(),
		hub:    NewHub(f, logger),
		status: status,
		logger: logger.With(zap.String("component", "http")),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), cors())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *HTTPServer) setupRoutes() {
	s.engine.GET("/config", s.getConfig)
	s.engine.GET("/search", s.searchSymbols)
	s.engine.GET("/symbols", s.resolveSymbol)
	s.engine.GET("/history", s.getHistory)
	s.engine.GET("/time", s.getTime)
	s.engine.POST("/reset", s.resetCache)

	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/stream", s.hub.ServeWS)
}

// Handler exposes the router, mainly for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// Hub returns the websocket hub
func (s *HTTPServer) Hub() *Hub {
	return s.hub
}

// Start runs the hub and serves until Shutdown
func (s *HTTPServer) Start() error {
	go s.hub.Run()
	s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes stream clients
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.server.Shutdown(ctx)
}

// requestLogger tags each request with an id and logs it on completion
func (s *HTTPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		s.logger.Debug("request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.feed.Configure())
}

func (s *HTTPServer) searchSymbols(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	limit := defaultSearchLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.feed.SearchSymbols(ctx, c.Query("query"), c.Query("exchange"), c.Query("type"))
	if err != nil {
		c.JSON(http.StatusBadGateway, udfError(err))
		return
	}
	if len(results) > limit {
		results = results[:limit]
	}
	c.JSON(http.StatusOK, results)
}

func (s *HTTPServer) resolveSymbol(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	info, err := s.feed.ResolveSymbol(ctx, c.Query("symbol"))
	if errors.Is(err, feed.ErrUnknownSymbol) {
		c.JSON(http.StatusNotFound, gin.H{"s": "error", "errmsg": "unknown_symbol"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, udfError(err))
		return
	}
	c.JSON(http.StatusOK, info)
}

// historyResponse is the UDF column layout
type historyResponse struct {
	Status string    `json:"s"`
	Time   []int64   `json:"t"`
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
	Volume []float64 `json:"v"`
}

func (s *HTTPServer) getHistory(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	from, errFrom := strconv.ParseInt(c.Query("from"), 10, 64)
	to, errTo := strconv.ParseInt(c.Query("to"), 10, 64)
	if errFrom != nil || errTo != nil {
		c.JSON(http.StatusBadRequest, gin.H{"s": "error", "errmsg": "from and to must be unix seconds"})
		return
	}
	countBack, _ := strconv.Atoi(c.Query("countback"))
	first, _ := strconv.ParseBool(c.DefaultQuery("firstDataRequest", "false"))

	info, err := s.feed.ResolveSymbol(ctx, c.Query("symbol"))
	if errors.Is(err, feed.ErrUnknownSymbol) {
		c.JSON(http.StatusNotFound, gin.H{"s": "error", "errmsg": "unknown_symbol"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, udfError(err))
		return
	}

	result, err := s.feed.GetBars(ctx, info, c.Query("resolution"), feed.PeriodParams{
		From:             from,
		To:               to,
		CountBack:        countBack,
		FirstDataRequest: first,
	})
	if err != nil {
		c.JSON(http.StatusOK, udfError(err))
		return
	}
	if result.NoData {
		c.JSON(http.StatusOK, gin.H{"s": "no_data"})
		return
	}

	resp := historyResponse{Status: "ok"}
	for _, b := range result.Bars {
		resp.Time = append(resp.Time, b.Time/1000)
		resp.Open = append(resp.Open, b.Open)
		resp.High = append(resp.High, b.High)
		resp.Low = append(resp.Low, b.Low)
		resp.Close = append(resp.Close, b.Close)
		resp.Volume = append(resp.Volume, b.Volume)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) getTime(c *gin.Context) {
	c.String(http.StatusOK, strconv.FormatInt(time.Now().Unix(), 10))
}

func (s *HTTPServer) resetCache(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"s": "error", "errmsg": "symbol is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	// the cache is keyed by ticker, so names and full names resolve first
	info, err := s.feed.ResolveSymbol(ctx, symbol)
	if errors.Is(err, feed.ErrUnknownSymbol) {
		c.JSON(http.StatusNotFound, gin.H{"s": "error", "errmsg": "unknown_symbol"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, udfError(err))
		return
	}
	s.feed.ResetCache(info.Ticker)
	c.JSON(http.StatusOK, gin.H{"s": "ok"})
}

func (s *HTTPServer) getHealth(c *gin.Context) {
	source, connected := "", false
	if s.status != nil {
		source, connected = s.status()
	}

	code := http.StatusOK
	status := "ok"
	if !connected {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":    status,
		"source":    source,
		"connected": connected,
		"clients":   s.hub.ClientCount(),
	})
}

func udfError(err error) gin.H {
	return gin.H{"s": "error", "errmsg": err.Error()}
}
