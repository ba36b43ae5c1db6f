package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/linluma/datafeed/datafeed/feed"
	"github.com/linluma/datafeed/datafeed/metrics"
	"github.com/linluma/datafeed/shared/models"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream protocol actions and message types
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeBar          = "bar"
	TypeError        = "error"
)

// ClientMessage is a request sent by a stream client
type ClientMessage struct {
	Action     string `json:"action"`
	ID         string `json:"id"`
	Symbol     string `json:"symbol,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// ServerMessage is pushed to stream clients
type ServerMessage struct {
	Type       string      `json:"type"`
	ID         string      `json:"id,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	Resolution string      `json:"resolution,omitempty"`
	Bar        *models.Bar `json:"bar,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Hub tracks websocket clients and maps their subscriptions onto the datafeed
type Hub struct {
	feed       Feed
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	count      atomic.Int64
	logger     *zap.Logger
}

// NewHub creates a hub; Run must be started before clients connect
func NewHub(f Feed, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		feed:       f,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("component", "hub")),
	}
}

// Run is the hub loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			metrics.StreamClientConnected()

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.count.Store(int64(len(h.clients)))
				metrics.StreamClientDisconnected()
			}

		case <-h.done:
			// Closing the connections ends each read pump, which releases its subscriptions
			for client := range h.clients {
				client.conn.Close()
			}
			return
		}
	}
}

// Stop closes every client connection and ends the loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and starts the client pumps
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	h.logger.Info("client connected", zap.String("client", client.id))

	go client.writePump()
	go client.readPump()
}

// handleMessage applies one client request
func (h *Hub) handleMessage(c *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.push(ServerMessage{Type: TypeError, Error: "malformed message"})
		return
	}
	if msg.ID == "" {
		c.push(ServerMessage{Type: TypeError, Error: "id is required"})
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		h.subscribe(c, msg)
	case ActionUnsubscribe:
		if c.release(msg.ID) {
			c.push(ServerMessage{Type: TypeUnsubscribed, ID: msg.ID})
			return
		}
		c.push(ServerMessage{Type: TypeError, ID: msg.ID, Error: "unknown subscription"})
	default:
		c.push(ServerMessage{Type: TypeError, ID: msg.ID, Error: "unknown action " + msg.Action})
	}
}

func (h *Hub) subscribe(c *Client, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info, err := h.feed.ResolveSymbol(ctx, msg.Symbol)
	if err != nil {
		errmsg := err.Error()
		if errors.Is(err, feed.ErrUnknownSymbol) {
			errmsg = "unknown_symbol"
		}
		c.push(ServerMessage{Type: TypeError, ID: msg.ID, Symbol: msg.Symbol, Error: errmsg})
		return
	}

	// Subscriber ids are scoped to the connection so clients cannot collide
	subscriberID := c.id + ":" + msg.ID
	ticker := info.Ticker
	err = h.feed.SubscribeBars(info, msg.Resolution, subscriberID, func(bar models.Bar) {
		c.push(ServerMessage{Type: TypeBar, ID: msg.ID, Symbol: ticker, Bar: &bar})
	})
	if err != nil {
		c.push(ServerMessage{Type: TypeError, ID: msg.ID, Symbol: msg.Symbol, Error: err.Error()})
		return
	}

	c.track(msg.ID, subscriberID)
	c.push(ServerMessage{Type: TypeSubscribed, ID: msg.ID, Symbol: ticker, Resolution: msg.Resolution})
}

// Client is one websocket connection
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan ServerMessage
	done chan struct{}

	mu   sync.Mutex
	subs map[string]string
}

const sendBuffer = 256

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan ServerMessage, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]string),
	}
}

// push queues a message without blocking; bar callbacks run on the event loop
func (c *Client) push(msg ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		metrics.TickDropped("stream_client")
		c.hub.logger.Debug("client send buffer full, message dropped",
			zap.String("client", c.id), zap.String("type", msg.Type))
	}
}

func (c *Client) track(id, subscriberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, ok := c.subs[id]; ok && previous != subscriberID {
		c.hub.feed.UnsubscribeBars(previous)
	}
	c.subs[id] = subscriberID
}

// release unsubscribes one of the client's subscriptions
func (c *Client) release(id string) bool {
	c.mu.Lock()
	subscriberID, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !ok {
		return false
	}
	return c.hub.feed.UnsubscribeBars(subscriberID)
}

func (c *Client) releaseAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]string)
	c.mu.Unlock()

	for _, subscriberID := range subs {
		c.hub.feed.UnsubscribeBars(subscriberID)
	}
}

// readPump reads requests until the connection fails, then releases the client
func (c *Client) readPump() {
	defer func() {
		c.releaseAll()
		close(c.done)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.hub.logger.Info("client disconnected", zap.String("client", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		c.hub.handleMessage(c, message)
	}
}

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// writePump drains the send queue and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Debug("websocket write failed", zap.String("client", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
