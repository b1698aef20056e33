package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"trade-service/internal/models"
	"trade-service/internal/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a frame is sent while the channel is down
var ErrNotConnected = errors.New("channel not connected")

// EventHandler receives pushed events
type EventHandler func(event models.Event)

// ChannelConfig configures a ChannelClient
type ChannelConfig struct {
	URL          string
	Token        string
	Reconnect    retry.Schedule
	WriteTimeout time.Duration
	// ReadTimeout closes a connection that has been silent this long;
	// the server pings well inside it.
	ReadTimeout time.Duration
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// ChannelClient keeps one WebSocket to the trade service open, reconnecting
// with backoff and restoring subscriptions after every reconnect.
type ChannelClient struct {
	cfg    ChannelConfig
	logger *zap.Logger

	writeMu sync.Mutex

	mu          sync.RWMutex
	conn        *websocket.Conn
	connected   bool
	nextID      uint64
	topics      map[string][]subscription
	catchAll    []subscription
	onReconnect []func()
}

// NewChannelClient creates a new ChannelClient; call Run to connect
func NewChannelClient(cfg ChannelConfig, logger *zap.Logger) *ChannelClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.Exponential(500*time.Millisecond, 30*time.Second)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	return &ChannelClient{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string][]subscription),
	}
}

// Subscribe registers handler for topic and tells the server when the
// topic is new. The returned func removes the handler. A nil handler only
// joins the topic, for callers that read events through OnEvent.
func (c *ChannelClient) Subscribe(topic string, handler EventHandler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.topics[topic]) == 0
	c.topics[topic] = append(c.topics[topic], subscription{id: id, handler: handler})
	c.mu.Unlock()

	if first {
		if err := c.sendFrame(models.ClientActionSubscribe, topic); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(topic, id) })
	}
}

// OnEvent registers handler for every event the connection receives,
// including those pushed on the user's own channel
func (c *ChannelClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.catchAll = append(c.catchAll, subscription{id: c.nextID, handler: handler})
}

// OnReconnect registers fn to run after every successful connect
func (c *ChannelClient) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Connected reports whether the socket is currently open
func (c *ChannelClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Refresh asks the server to push the current state of a trade
func (c *ChannelClient) Refresh(tradeID string) error {
	return c.sendFrame(models.ClientActionRefresh, models.TradeTopic(tradeID))
}

// Run connects and keeps reconnecting until ctx is cancelled
func (c *ChannelClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.connect(ctx)
		if err == nil {
			attempt = 0
			c.restore()
			err = c.readLoop(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := c.cfg.Reconnect(attempt)
		c.logger.Info("channel disconnected, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *ChannelClient) connect(ctx context.Context) error {
	header := http.Header{}
	target := c.cfg.URL
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
		if u, err := url.Parse(target); err == nil {
			q := u.Query()
			q.Set("token", c.cfg.Token)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug("channel connected", zap.String("url", c.cfg.URL))
	return nil
}

// restore resubscribes every topic and runs the reconnect hooks
func (c *ChannelClient) restore() {
	c.mu.RLock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	hooks := append([]func(){}, c.onReconnect...)
	c.mu.RUnlock()

	for _, t := range topics {
		if err := c.sendFrame(models.ClientActionSubscribe, t); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("topic", t), zap.Error(err))
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

func (c *ChannelClient) readLoop(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event models.Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(event)
	}
}

// dispatch hands event to each matching handler once
func (c *ChannelClient) dispatch(event models.Event) {
	c.mu.RLock()
	var handlers []EventHandler
	seen := make(map[uint64]struct{})
	add := func(subs []subscription) {
		for _, s := range subs {
			if _, ok := seen[s.id]; !ok && s.handler != nil {
				seen[s.id] = struct{}{}
				handlers = append(handlers, s.handler)
			}
		}
	}
	add(c.topics[event.Topic])
	if event.TradeID != "" {
		add(c.topics[models.TradeTopic(event.TradeID)])
	}
	add(c.catchAll)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *ChannelClient) remove(topic string, id uint64) {
	c.mu.Lock()
	subs := c.topics[topic]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	last := len(subs) == 0
	if last {
		delete(c.topics, topic)
	} else {
		c.topics[topic] = subs
	}
	c.mu.Unlock()

	if last {
		if err := c.sendFrame(models.ClientActionUnsubscribe, topic); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *ChannelClient) sendFrame(action, topic string) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(models.ClientMessage{Action: action, Topic: topic})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
