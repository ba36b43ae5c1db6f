package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

// ErrUnknownSymbol is returned when the service cannot resolve a symbol
var ErrUnknownSymbol = errors.New("unknown symbol")

// Update is one bar pushed by the service for a subscription
type Update struct {
	Symbol string
	Bar    models.Bar
}

type request struct {
	Action     string `json:"action"`
	ID         string `json:"id"`
	Symbol     string `json:"symbol,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type message struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Symbol string      `json:"symbol"`
	Bar    *models.Bar `json:"bar"`
	Error  string      `json:"error"`
}

// Client streams bars from the datafeed service websocket
type Client struct {
	serverAddress string
	httpClient    *http.Client

	conn    *websocket.Conn
	writeMu sync.Mutex

	logger *zap.Logger
}

// NewClient creates a client for host:port
func NewClient(serverAddress string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serverAddress: serverAddress,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// Connect opens the stream websocket
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.serverAddress, Path: "/stream"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	c.conn = conn
	c.logger.Info("connected to datafeed stream", zap.String("url", u.String()))
	return nil
}

// Resolve checks a symbol with the service and returns its ticker
func (c *Client) Resolve(ctx context.Context, symbol string) (string, error) {
	u := url.URL{Scheme: "http", Host: c.serverAddress, Path: "/symbols", RawQuery: url.Values{"symbol": {symbol}}.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to resolve %s: status %d", symbol, resp.StatusCode)
	}

	var info models.SymbolInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode symbol info: %w", err)
	}
	return info.Ticker, nil
}

// Subscribe requests bars for each symbol and returns the update stream.
// The channel closes when ctx ends or the connection drops.
func (c *Client) Subscribe(ctx context.Context, symbols []string, resolution string) (<-chan Update, error) {
	if c.conn == nil {
		return nil, errors.New("not connected")
	}

	for _, symbol := range symbols {
		if err := c.write(request{Action: "subscribe", ID: symbol, Symbol: symbol, Resolution: resolution}); err != nil {
			return nil, fmt.Errorf("failed to subscribe %s: %w", symbol, err)
		}
	}

	updates := make(chan Update)

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	go func() {
		defer close(updates)
		for {
			var msg message
			if err := c.conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("stream receive error", zap.Error(err))
				}
				return
			}

			switch msg.Type {
			case "bar":
				if msg.Bar == nil {
					continue
				}
				select {
				case updates <- Update{Symbol: msg.Symbol, Bar: *msg.Bar}:
				case <-ctx.Done():
					return
				}
			case "subscribed":
				c.logger.Info("subscribed", zap.String("symbol", msg.Symbol))
			case "error":
				c.logger.Warn("subscription error", zap.String("id", msg.ID), zap.String("error", msg.Error))
			}
		}
	}()

	return updates, nil
}

// Close closes the connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *Client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}
