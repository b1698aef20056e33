package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/auth"
	"trade-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrade() *models.Trade {
	t := &models.Trade{
		ID:     "t-1",
		Buyer:  models.Party{UserID: "buyer"},
		Seller: models.Party{UserID: "seller"},
		Price:  models.Money{Amount: 10000, Currency: "USD"},
	}
	t.AppendStatus(models.TradeStatusAwaitingSeller, "buyer", "", time.Now())
	return t
}

func lookupFor(trade *models.Trade) TradeLookup {
	return func(ctx context.Context, tradeID, userID string) (*models.Trade, error) {
		if tradeID != trade.ID {
			return nil, apperror.NotFound("trade not found: %s", tradeID)
		}
		if !trade.IsParty(userID) {
			return nil, apperror.New(apperror.KindForbidden, "not a party to this trade")
		}
		return trade.Clone(), nil
	}
}

func newTestServer(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	return newTestServerWithLookup(t, cfg, lookupFor(testTrade()))
}

func newTestServerWithLookup(t *testing.T, cfg Config, lookup TradeLookup) (*Hub, *httptest.Server) {
	gin.SetMode(gin.TestMode)
	hub, err := NewHub(cfg, lookup)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if user := c.Query("user"); user != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), &auth.Identity{UserID: user}))
		}
		hub.ServeWS(c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) models.Event {
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var e models.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func send(t *testing.T, ws *websocket.Conn, action, topic string) {
	require.NoError(t, ws.WriteJSON(models.ClientMessage{Action: action, Topic: topic}))
}

func waitForConns(t *testing.T, hub *Hub, n int) {
	require.Eventually(t, func() bool { return hub.ConnectionCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWSRequiresIdentity(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestPublishReachesBothPartiesOnce(t *testing.T) {
	hub, srv := newTestServer(t, Config{})
	buyer := dial(t, srv, "buyer")
	seller := dial(t, srv, "seller")
	stranger := dial(t, srv, "stranger")
	waitForConns(t, hub, 3)

	// the buyer also joins the trade room; it must still get a single copy
	send(t, buyer, models.ClientActionSubscribe, models.TradeTopic("t-1"))
	ack := readEvent(t, buyer)
	require.Equal(t, models.EventTypeSubscriptionAck, ack.Type)

	err := hub.Publish(context.Background(), &models.Event{
		Type:       models.EventTypeTradeUpdate,
		TradeID:    "t-1",
		NewStatus:  string(models.TradeStatusCancelled),
		ActorID:    "buyer",
		Message:    "changed mind",
		Recipients: []string{"buyer", "seller"},
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	for _, ws := range []*websocket.Conn{buyer, seller} {
		e := readEvent(t, ws)
		assert.Equal(t, models.EventTypeTradeUpdate, e.Type)
		assert.Equal(t, "t-1", e.TradeID)
		assert.Equal(t, "cancelled", e.NewStatus)
		assert.Equal(t, "changed mind", e.Message)
		assert.Empty(t, e.Recipients)
	}

	// no duplicate for the buyer
	buyer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = buyer.ReadMessage()
	assert.Error(t, err)

	stranger.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = stranger.ReadMessage()
	assert.Error(t, err)
}

func TestSubscribeRejectsNonParty(t *testing.T) {
	hub, srv := newTestServer(t, Config{})
	ws := dial(t, srv, "stranger")
	waitForConns(t, hub, 1)

	send(t, ws, models.ClientActionSubscribe, models.TradeTopic("t-1"))
	e := readEvent(t, ws)
	assert.Equal(t, models.EventTypeError, e.Type)
	assert.Contains(t, e.Message, "forbidden")

	send(t, ws, models.ClientActionSubscribe, models.UserTopic("buyer"))
	e = readEvent(t, ws)
	assert.Equal(t, models.EventTypeError, e.Type)
}

func TestRefreshSendsSnapshotToRequesterOnly(t *testing.T) {
	hub, srv := newTestServer(t, Config{})
	buyer := dial(t, srv, "buyer")
	seller := dial(t, srv, "seller")
	waitForConns(t, hub, 2)

	send(t, buyer, models.ClientActionRefresh, models.TradeTopic("t-1"))
	e := readEvent(t, buyer)
	require.Equal(t, models.EventTypeTradeUpdate, e.Type)
	trade, ok := e.Trade()
	require.True(t, ok)
	assert.Equal(t, models.TradeStatusAwaitingSeller, trade.Status)

	seller.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := seller.ReadMessage()
	assert.Error(t, err)
}

func TestTradeTopicsWithoutLookup(t *testing.T) {
	hub, srv := newTestServerWithLookup(t, Config{}, nil)
	ws := dial(t, srv, "buyer")
	waitForConns(t, hub, 1)

	send(t, ws, models.ClientActionRefresh, models.TradeTopic("t-1"))
	e := readEvent(t, ws)
	assert.Equal(t, models.EventTypeError, e.Type)
	assert.Contains(t, e.Message, "not configured")

	send(t, ws, models.ClientActionSubscribe, models.TradeTopic("t-1"))
	assert.Equal(t, models.EventTypeError, readEvent(t, ws).Type)
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestUnknownActionAndTopic(t *testing.T) {
	hub, srv := newTestServer(t, Config{})
	ws := dial(t, srv, "buyer")
	waitForConns(t, hub, 1)

	send(t, ws, "dance", models.TradeTopic("t-1"))
	assert.Equal(t, models.EventTypeError, readEvent(t, ws).Type)

	send(t, ws, models.ClientActionSubscribe, "market:everything")
	assert.Equal(t, models.EventTypeError, readEvent(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, models.EventTypeError, readEvent(t, ws).Type)
}

func TestPublishOrderIsPreserved(t *testing.T) {
	hub, srv := newTestServer(t, Config{SendQueueSize: 256})
	ws := dial(t, srv, "buyer")
	waitForConns(t, hub, 1)

	statuses := []models.TradeStatus{
		models.TradeStatusOfferSent,
		models.TradeStatusAwaitingBuyer,
		models.TradeStatusCompleted,
	}
	for _, s := range statuses {
		require.NoError(t, hub.Publish(context.Background(), &models.Event{
			Type:       models.EventTypeTradeUpdate,
			TradeID:    "t-1",
			NewStatus:  string(s),
			Recipients: []string{"buyer"},
		}))
	}

	for _, s := range statuses {
		assert.Equal(t, string(s), readEvent(t, ws).NewStatus)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	hub, _ := newTestServer(t, Config{SendQueueSize: 1})

	c := &conn{hub: hub, userID: "slow", send: make(chan []byte, 1), done: make(chan struct{}), topics: map[string]struct{}{}}
	hub.subscribe(c, models.UserTopic("slow"))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(context.Background(), &models.Event{Type: models.EventTypeNewOffer, OfferID: "o", Recipients: []string{"slow"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow connection")
	}
	assert.Len(t, c.send, 1)
}

func TestDisconnectCleansUp(t *testing.T) {
	hub, srv := newTestServer(t, Config{})
	ws := dial(t, srv, "buyer")
	waitForConns(t, hub, 1)

	ws.Close()
	waitForConns(t, hub, 0)

	s := hub.shardFor(models.UserTopic("buyer"))
	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Empty(t, s.subs[models.UserTopic("buyer")])
}
