// Package realtime pushes trade and offer events to connected clients over
// WebSocket. Delivery is at-most-once: a connection whose send queue is full
// loses the event and is expected to catch up by refetching.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/auth"
	"trade-service/internal/models"
	"trade-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	shardNum = 32
	// connections handed to one pool task during fan-out
	fanoutChunk = 64
	readLimit   = 4096
)

var errNoLookup = errors.New("trade lookup not configured")

// TradeLookup loads a trade on behalf of userID and fails when userID is not a party
type TradeLookup func(ctx context.Context, tradeID, userID string) (*models.Trade, error)

// Config tunes the hub
type Config struct {
	SendQueueSize int
	PoolSize      int
	PingInterval  time.Duration
	WriteTimeout  time.Duration
}

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[*conn]struct{}
}

// Hub tracks live connections and the topics they listen on
type Hub struct {
	cfg      Config
	lookup   TradeLookup
	pool     *ants.Pool
	logger   *zap.Logger
	upgrader websocket.Upgrader

	shards [shardNum]*shard

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// NewHub creates a new Hub
func NewHub(cfg Config, lookup TradeLookup) (*Hub, error) {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		cfg:    cfg,
		lookup: lookup,
		pool:   pool,
		logger: util.GetLogger().Named("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	for i := range h.shards {
		h.shards[i] = &shard{subs: make(map[string]map[*conn]struct{})}
	}
	return h, nil
}

func (h *Hub) shardFor(topic string) *shard {
	f := fnv.New32a()
	f.Write([]byte(topic))
	return h.shards[f.Sum32()%shardNum]
}

// ServeWS upgrades an authenticated request and serves the connection until it closes.
// The connection is subscribed to its user's channel right away.
func (h *Hub) ServeWS(c *gin.Context) {
	id, ok := auth.FromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": apperror.KindUnauthorized, "message": "missing identity"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cn := &conn{
		hub:    h,
		ws:     ws,
		userID: id.UserID,
		send:   make(chan []byte, h.cfg.SendQueueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}

	h.subscribe(cn, models.UserTopic(id.UserID))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.remove(cn)
		ws.Close()
		return
	}
	h.conns[cn] = struct{}{}
	h.mu.Unlock()
	util.RealtimeConnections.Inc()

	h.logger.Debug("connection opened", zap.String("user_id", id.UserID))

	go cn.writePump()
	cn.readPump(c.Request.Context())
}

func (h *Hub) subscribe(c *conn, topic string) {
	s := h.shardFor(topic)
	s.mu.Lock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[*conn]struct{})
	}
	s.subs[topic][c] = struct{}{}
	s.mu.Unlock()

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *conn, topic string) {
	s := h.shardFor(topic)
	s.mu.Lock()
	if conns, ok := s.subs[topic]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(s.subs, topic)
		}
	}
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (h *Hub) remove(c *conn) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		h.unsubscribe(c, t)
	}

	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		util.RealtimeConnections.Dec()
	}
	h.mu.Unlock()
}

// Publish delivers event to the trade room and to every recipient's user channel.
// A connection on several of those topics receives the event once. Publish
// returns after the event has been queued on every connection, so events
// published one after another reach each connection in order.
func (h *Hub) Publish(ctx context.Context, event *models.Event) error {
	topics := make([]string, 0, 1+len(event.Recipients))
	if event.Topic != "" {
		topics = append(topics, event.Topic)
	}
	if event.TradeID != "" {
		topics = append(topics, models.TradeTopic(event.TradeID))
	}
	for _, r := range event.Recipients {
		topics = append(topics, models.UserTopic(r))
	}

	targets := make(map[*conn]struct{})
	for _, t := range topics {
		s := h.shardFor(t)
		s.mu.RLock()
		for c := range s.subs[t] {
			targets[c] = struct{}{}
		}
		s.mu.RUnlock()
	}
	if len(targets) == 0 {
		return nil
	}

	frame := *event
	frame.Recipients = nil
	if frame.Topic == "" && len(topics) > 0 {
		frame.Topic = topics[0]
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	util.RealtimeEventsPublished.WithLabelValues(event.Type).Inc()

	batch := make([]*conn, 0, fanoutChunk)
	var wg sync.WaitGroup
	flush := func(conns []*conn) {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			for _, c := range conns {
				c.enqueue(data)
			}
		}
		if err := h.pool.Submit(task); err != nil {
			// pool closed or saturated: deliver inline
			task()
		}
	}
	for c := range targets {
		batch = append(batch, c)
		if len(batch) == fanoutChunk {
			flush(batch)
			batch = make([]*conn, 0, fanoutChunk)
		}
	}
	if len(batch) > 0 {
		flush(batch)
	}
	wg.Wait()
	return nil
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client and stops the fan-out pool
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.pool.Release()
}

// conn is one client connection
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	userID string
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	topics map[string]struct{}
}

// enqueue never blocks; a full queue drops the frame
func (c *conn) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		util.RealtimeEventsDropped.Inc()
		c.hub.logger.Debug("send queue full, dropping event", zap.String("user_id", c.userID))
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
		c.hub.remove(c)
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("write failed", zap.String("user_id", c.userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump(ctx context.Context) {
	defer c.close()

	pongWait := 2 * c.hub.cfg.PingInterval
	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(errorFrame("", apperror.Validation("malformed message")))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *conn) handle(ctx context.Context, msg models.ClientMessage) {
	kind, id, ok := models.ParseTopic(msg.Topic)
	if !ok {
		c.reply(errorFrame(msg.Topic, apperror.Validation("unknown topic %q", msg.Topic)))
		return
	}

	switch msg.Action {
	case models.ClientActionSubscribe:
		if err := c.authorize(ctx, kind, id); err != nil {
			c.reply(errorFrame(msg.Topic, err))
			return
		}
		c.hub.subscribe(c, msg.Topic)
		c.reply(&models.Event{Type: models.EventTypeSubscriptionAck, Topic: msg.Topic, Message: "subscribed", Timestamp: time.Now().UTC()})

	case models.ClientActionUnsubscribe:
		c.hub.unsubscribe(c, msg.Topic)
		c.reply(&models.Event{Type: models.EventTypeSubscriptionAck, Topic: msg.Topic, Message: "unsubscribed", Timestamp: time.Now().UTC()})

	case models.ClientActionRefresh:
		if kind != "trade" {
			c.reply(errorFrame(msg.Topic, apperror.Validation("only trade topics can be refreshed")))
			return
		}
		if c.hub.lookup == nil {
			c.reply(errorFrame(msg.Topic, errNoLookup))
			return
		}
		trade, err := c.hub.lookup(ctx, id, c.userID)
		if err != nil {
			c.reply(errorFrame(msg.Topic, err))
			return
		}
		payload, err := json.Marshal(trade)
		if err != nil {
			c.reply(errorFrame(msg.Topic, err))
			return
		}
		c.reply(&models.Event{
			Type:      models.EventTypeTradeUpdate,
			Topic:     msg.Topic,
			TradeID:   trade.ID,
			NewStatus: string(trade.Status),
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})

	default:
		c.reply(errorFrame(msg.Topic, apperror.Validation("unknown action %q", msg.Action)))
	}
}

func (c *conn) authorize(ctx context.Context, kind, id string) error {
	switch kind {
	case "user":
		if id != c.userID {
			return apperror.New(apperror.KindForbidden, "cannot listen on another user's channel")
		}
		return nil
	case "trade":
		if c.hub.lookup == nil {
			return errNoLookup
		}
		_, err := c.hub.lookup(ctx, id, c.userID)
		return err
	}
	return apperror.Validation("unknown topic kind %q", kind)
}

func (c *conn) reply(event *models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorFrame(topic string, err error) *models.Event {
	msg := err.Error()
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	return &models.Event{
		Type:      models.EventTypeError,
		Topic:     topic,
		Message:   string(apperror.KindOf(err)) + ": " + msg,
		Timestamp: time.Now().UTC(),
	}
}
