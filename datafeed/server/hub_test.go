package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linluma/datafeed/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T) (*fakeFeed, *HTTPServer, *websocket.Conn) {
	t.Helper()
	f := newFakeFeed()
	s := NewHTTPServer(f, 0, nil, nil)
	go s.Hub().Run()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Stop()
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return f, s, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamSubscription(t *testing.T) {
	f, s, conn := dialStream(t)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionSubscribe, ID: "chart", Symbol: btcInfo.Ticker, Resolution: "1"}))
	msg := readMessage(t, conn)
	assert.Equal(t, ServerMessage{Type: TypeSubscribed, ID: "chart", Symbol: btcInfo.Ticker, Resolution: "1"}, msg)

	subscriberID, callback := f.callback("chart")
	require.NotNil(t, callback)

	bar := models.Bar{Time: 1_700_000_040_000, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 2}
	callback(bar)

	msg = readMessage(t, conn)
	assert.Equal(t, TypeBar, msg.Type)
	assert.Equal(t, "chart", msg.ID)
	require.NotNil(t, msg.Bar)
	assert.Equal(t, bar, *msg.Bar)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionUnsubscribe, ID: "chart"}))
	msg = readMessage(t, conn)
	assert.Equal(t, TypeUnsubscribed, msg.Type)
	assert.True(t, f.wasUnsubscribed(subscriberID))

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionUnsubscribe, ID: "chart"}))
	msg = readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
}

func TestStreamErrors(t *testing.T) {
	_, _, conn := dialStream(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "malformed message", readMessage(t, conn).Error)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionSubscribe, Symbol: btcInfo.Ticker}))
	assert.Equal(t, "id is required", readMessage(t, conn).Error)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionSubscribe, ID: "x", Symbol: "Nowhere:A/B", Resolution: "1"}))
	assert.Equal(t, "unknown_symbol", readMessage(t, conn).Error)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionSubscribe, ID: "x", Symbol: btcInfo.Ticker, Resolution: "bogus"}))
	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "x", msg.ID)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "explode", ID: "x"}))
	assert.Contains(t, readMessage(t, conn).Error, "unknown action")
}

func TestStreamDisconnectReleasesSubscriptions(t *testing.T) {
	f, s, conn := dialStream(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionSubscribe, ID: id, Symbol: btcInfo.Ticker, Resolution: "5"}))
		require.Equal(t, TypeSubscribed, readMessage(t, conn).Type)
	}
	idA, _ := f.callback("a")
	idB, _ := f.callback("b")
	assert.NotEqual(t, idA, idB)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return f.wasUnsubscribed(idA) && f.wasUnsubscribed(idB)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamClientsAreIsolated(t *testing.T) {
	f := newFakeFeed()
	hub := NewHub(f, nil)

	first := newClient(hub, nil)
	second := newClient(hub, nil)
	assert.NotEqual(t, first.id, second.id)

	first.track("chart", first.id+":chart")
	f.callbacks[first.id+":chart"] = func(models.Bar) {}
	assert.False(t, second.release("chart"))
	assert.True(t, first.release("chart"))
}
