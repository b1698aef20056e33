package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"
	"trade-service/internal/statemachine"

	"go.uber.org/zap"
)

// ErrTransitionInFlight is returned while an earlier transition on the same trade is unanswered
var ErrTransitionInFlight = errors.New("a transition for this trade is already in flight")

// Source says where an update came from
type Source string

const (
	SourcePush       Source = "push"
	SourcePoll       Source = "poll"
	SourceFetch      Source = "fetch"
	SourceTransition Source = "transition"
	SourceCache      Source = "cache"
)

// Update is one candidate state for a trade
type Update struct {
	Trade  *models.Trade
	Source Source
}

// View is what a panel renders for one trade
type View struct {
	Trade     *models.Trade
	PanelOpen bool
	// Fallback is set while the trade comes from the local cache
	// because the service could not be reached
	Fallback bool
	Source   Source
}

// TradeGateway is the part of GatewayClient the reconciler needs
type TradeGateway interface {
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	Transition(ctx context.Context, id string, payload TransitionPayload) (*models.Trade, error)
}

// Channel is the part of ChannelClient the reconciler needs
type Channel interface {
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
	OnEvent(handler EventHandler)
	OnReconnect(fn func())
	Connected() bool
	Refresh(tradeID string) error
}

// ReconcilerConfig holds the polling intervals
type ReconcilerConfig struct {
	// ShortInterval polls trades waiting on someone's action
	ShortInterval time.Duration
	// LongInterval polls every other active trade
	LongInterval time.Duration
	// Tick is how often Run checks for due polls
	Tick time.Duration
}

type tracked struct {
	trade       *models.Trade
	panelOpen   bool
	fallback    bool
	source      Source
	leave       func()
	nextPoll    time.Time
	refetching  bool
	transitions int
}

// Reconciler is the client's single view of the trades it follows.
// Pushes, polls, fetches and transition results all go through Apply, where
// the record with the higher Version wins.
type Reconciler struct {
	gateway TradeGateway
	channel Channel
	cache   *Cache
	cfg     ReconcilerConfig
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	trades    map[string]*tracked
	listeners []func(View)

	background sync.WaitGroup
}

// NewReconciler creates a new Reconciler wired to channel events
func NewReconciler(gateway TradeGateway, channel Channel, cache *Cache, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.ShortInterval <= 0 {
		cfg.ShortInterval = 10 * time.Second
	}
	if cfg.LongInterval <= 0 {
		cfg.LongInterval = 30 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconciler{
		gateway: gateway,
		channel: channel,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		trades:  make(map[string]*tracked),
	}
	channel.OnEvent(r.handleEvent)
	channel.OnReconnect(r.handleReconnect)
	return r
}

// OnChange registers fn to run whenever a trade's view changes
func (r *Reconciler) OnChange(fn func(View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Open shows a trade: it always fetches authoritative state first and then
// joins the trade room. When the fetch fails for a transient reason a fresh
// cached copy is shown as a fallback and refreshed in the background.
// A definitive answer such as not_found or forbidden drops the cached copy.
func (r *Reconciler) Open(ctx context.Context, id string) (View, error) {
	trade, err := r.gateway.GetTrade(ctx, id)
	if err != nil {
		if !retryable(err) {
			r.cacheDelete(id)
			return View{}, err
		}
		cached, fresh, ok := r.cacheGet(id)
		if !ok || !fresh {
			return View{}, err
		}
		r.logger.Info("serving cached trade", zap.String("trade_id", id), zap.Error(err))
		r.Apply(Update{Trade: cached, Source: SourceCache})
		r.refetchAsync(id)
	} else {
		r.Apply(Update{Trade: trade, Source: SourceFetch})
	}

	r.mu.Lock()
	t := r.track(id)
	t.panelOpen = true
	join := t.leave == nil
	r.mu.Unlock()

	if join {
		leave := r.channel.Subscribe(models.TradeTopic(id), nil)
		r.mu.Lock()
		t.leave = leave
		r.mu.Unlock()
	}
	return r.View(id)
}

// Close hides a trade's panel and leaves its room. The trade stays tracked
// and is polled until it reaches a terminal status.
func (r *Reconciler) Close(id string) {
	r.mu.Lock()
	t, ok := r.trades[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.panelOpen = false
	leave := t.leave
	t.leave = nil
	t.nextPoll = r.now()
	r.mu.Unlock()

	if leave != nil {
		leave()
	}
}

// Track follows a trade without a panel
func (r *Reconciler) Track(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.track(id)
	if t.nextPoll.IsZero() {
		t.nextPoll = r.now()
	}
}

// Restore loads every cached trade on cold start. Fresh entries are shown
// as fallbacks; all of them are refreshed in the background.
func (r *Reconciler) Restore() {
	if r.cache == nil {
		return
	}
	for _, id := range r.cache.Keys() {
		trade, fresh, ok := r.cache.Get(id)
		if ok && fresh {
			r.Apply(Update{Trade: trade, Source: SourceCache})
		} else {
			r.Track(id)
		}
		r.refetchAsync(id)
	}
}

// View returns the current view of a trade
func (r *Reconciler) View(id string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok || t.trade == nil {
		return View{}, apperror.NotFound("trade not tracked: %s", id)
	}
	return t.view(), nil
}

// Apply merges an update. An older record never replaces a newer one; an
// equal Version only replaces a cached fallback.
func (r *Reconciler) Apply(u Update) bool {
	if u.Trade == nil || u.Trade.ID == "" {
		return false
	}

	r.mu.Lock()
	t := r.track(u.Trade.ID)
	if t.trade != nil {
		switch {
		case u.Trade.Version < t.trade.Version:
			r.mu.Unlock()
			return false
		case u.Trade.Version == t.trade.Version && (u.Source == SourceCache || !t.fallback):
			r.mu.Unlock()
			return false
		}
	}
	t.trade = u.Trade.Clone()
	t.fallback = u.Source == SourceCache
	t.source = u.Source
	t.nextPoll = r.now().Add(r.interval(t.trade.Status))
	view := t.view()
	listeners := append([]func(View){}, r.listeners...)
	r.mu.Unlock()

	if r.cache != nil && u.Source != SourceCache {
		if err := r.cache.Put(u.Trade.ID, u.Trade); err != nil {
			r.logger.Warn("failed to cache trade", zap.String("trade_id", u.Trade.ID), zap.Error(err))
		}
	}
	for _, fn := range listeners {
		fn(view)
	}
	return true
}

// Fetch loads a trade from the gateway and applies it
func (r *Reconciler) Fetch(ctx context.Context, id string) error {
	trade, err := r.gateway.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	r.Apply(Update{Trade: trade, Source: SourceFetch})
	return nil
}

// Transition requests an action. Only one request per trade may be in
// flight; a lost race refetches so the view corrects itself.
func (r *Reconciler) Transition(ctx context.Context, id string, payload TransitionPayload) (*models.Trade, error) {
	r.mu.Lock()
	t := r.track(id)
	if t.transitions > 0 {
		r.mu.Unlock()
		return nil, ErrTransitionInFlight
	}
	t.transitions++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		t.transitions--
		r.mu.Unlock()
	}()

	trade, err := r.gateway.Transition(ctx, id, payload)
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindInvalidTransition, apperror.KindAlreadyTerminal:
			if ferr := r.Fetch(ctx, id); ferr != nil {
				r.logger.Warn("refetch after rejected transition failed", zap.String("trade_id", id), zap.Error(ferr))
			}
		}
		return nil, err
	}
	r.Apply(Update{Trade: trade, Source: SourceTransition})
	return trade, nil
}

// Run polls due trades until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.background.Wait()
			return nil
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll fetches every trade that is due. Terminal trades are never polled and
// open panels are left to the push channel while it is connected, unless
// they still show a cached fallback.
func (r *Reconciler) poll(ctx context.Context) {
	now := r.now()
	connected := r.channel.Connected()

	r.mu.Lock()
	var due []string
	for id, t := range r.trades {
		if t.trade != nil && t.trade.Status.IsTerminal() {
			continue
		}
		if t.panelOpen && connected && !t.fallback {
			continue
		}
		if now.Before(t.nextPoll) {
			continue
		}
		due = append(due, id)
	}
	r.mu.Unlock()

	for _, id := range due {
		trade, err := r.gateway.GetTrade(ctx, id)
		if err != nil {
			r.logger.Debug("poll failed", zap.String("trade_id", id), zap.Error(err))
			r.mu.Lock()
			if t, ok := r.trades[id]; ok {
				t.nextPoll = now.Add(r.cfg.ShortInterval)
			}
			r.mu.Unlock()
			continue
		}
		if !r.Apply(Update{Trade: trade, Source: SourcePoll}) {
			r.mu.Lock()
			if t, ok := r.trades[id]; ok && t.trade != nil {
				t.nextPoll = now.Add(r.interval(t.trade.Status))
			}
			r.mu.Unlock()
		}
	}
}

// Wait blocks until background refetches finish
func (r *Reconciler) Wait() {
	r.background.Wait()
}

func (r *Reconciler) handleEvent(event models.Event) {
	switch event.Type {
	case models.EventTypeTradeUpdate, models.EventTypeNewTrade:
	case models.EventTypeError:
		r.logger.Warn("channel error", zap.String("topic", event.Topic), zap.String("message", event.Message))
		return
	default:
		return
	}

	if trade, ok := event.Trade(); ok {
		r.Apply(Update{Trade: trade, Source: SourcePush})
		return
	}
	if event.TradeID != "" {
		r.Track(event.TradeID)
		r.refetchAsync(event.TradeID)
	}
}

// handleReconnect asks the server to re-push every open trade
func (r *Reconciler) handleReconnect() {
	r.mu.Lock()
	var open []string
	for id, t := range r.trades {
		if t.panelOpen {
			open = append(open, id)
		}
	}
	r.mu.Unlock()

	for _, id := range open {
		if err := r.channel.Refresh(id); err != nil {
			r.refetchAsync(id)
		}
	}
}

func (r *Reconciler) refetchAsync(id string) {
	r.mu.Lock()
	t := r.track(id)
	if t.refetching {
		r.mu.Unlock()
		return
	}
	t.refetching = true
	r.mu.Unlock()

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := r.Fetch(ctx, id); err != nil {
			r.logger.Debug("background refetch failed", zap.String("trade_id", id), zap.Error(err))
		}
		r.mu.Lock()
		t.refetching = false
		r.mu.Unlock()
	}()
}

func (r *Reconciler) cacheGet(id string) (*models.Trade, bool, bool) {
	if r.cache == nil {
		return nil, false, false
	}
	return r.cache.Get(id)
}

func (r *Reconciler) cacheDelete(id string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(id); err != nil {
		r.logger.Warn("cache delete failed", zap.String("trade_id", id), zap.Error(err))
	}
}

// track returns the entry for id, creating it; caller holds mu
func (r *Reconciler) track(id string) *tracked {
	t, ok := r.trades[id]
	if !ok {
		t = &tracked{}
		r.trades[id] = t
	}
	return t
}

func (r *Reconciler) interval(status models.TradeStatus) time.Duration {
	if statemachine.RequiresImmediateAction(status) {
		return r.cfg.ShortInterval
	}
	return r.cfg.LongInterval
}

func (t *tracked) view() View {
	return View{
		Trade:     t.trade.Clone(),
		PanelOpen: t.panelOpen,
		Fallback:  t.fallback,
		Source:    t.source,
	}
}
