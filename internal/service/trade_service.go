package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/auth"
	"trade-service/internal/items"
	"trade-service/internal/models"
	"trade-service/internal/statemachine"
	"trade-service/internal/store"
	"trade-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	transferRequestTimeout = 30 * time.Second
	// casAttempts bounds how often a transition is re-validated after losing a version race
	casAttempts = 3
)

// TradeService is the only component allowed to change a trade
type TradeService struct {
	repo      Repository
	items     ItemService
	publisher EventPublisher
	coord     Coordinator
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	background sync.WaitGroup
}

// NewTradeService creates a new trade service
func NewTradeService(
	repo Repository,
	itemService ItemService,
	publisher EventPublisher,
	coord Coordinator,
	cfg Config,
) *TradeService {
	if coord == nil {
		coord = NewLocalCoordinator()
	}
	return &TradeService{
		repo:      repo,
		items:     itemService,
		publisher: publisher,
		coord:     coord,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateTradeRequest represents a request to buy a listed item
type CreateTradeRequest struct {
	ListingID string `json:"listing_id" binding:"required"`
}

// TransitionRequest asks for one lifecycle action on a trade
type TransitionRequest struct {
	Action        string        `json:"action" binding:"required"`
	Reason        string        `json:"reason,omitempty"`
	ExternalRef   string        `json:"external_ref,omitempty"`
	CounterAmount *models.Money `json:"counter_amount,omitempty"`
}

// CreateTrade commits buyer to purchasing a listing at its current price.
// A repeated idempotencyKey from the same buyer returns the trade created first.
func (s *TradeService) CreateTrade(ctx context.Context, buyer auth.Identity, req *CreateTradeRequest, idempotencyKey string) (*models.Trade, error) {
	ctx, span := util.StartSpan(ctx, "TradeService.CreateTrade")
	defer span.End()

	if strings.TrimSpace(req.ListingID) == "" {
		return nil, apperror.Validation("listing_id is required")
	}

	tradeID := uuid.New().String()

	if idempotencyKey != "" {
		key := fmt.Sprintf("create-trade:%s:%s", buyer.UserID, idempotencyKey)
		existingID, claimed, err := s.coord.ClaimIdempotencyKey(ctx, key, tradeID, s.cfg.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if claimed {
			existing, err := s.repo.GetTrade(ctx, existingID)
			if errors.Is(err, apperror.ErrNotFound) {
				return nil, apperror.New(apperror.KindConflict, "a request with this idempotency key is still in progress")
			}
			if err != nil {
				return nil, err
			}
			s.logger.Info("Duplicate trade request detected",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("trade_id", existing.ID))
			return existing, nil
		}

		trade, err := s.createTrade(ctx, tradeID, buyer, req)
		if err != nil {
			if relErr := s.coord.ReleaseIdempotencyKey(ctx, key); relErr != nil {
				s.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(relErr))
			}
			return nil, err
		}
		return trade, nil
	}

	return s.createTrade(ctx, tradeID, buyer, req)
}

func (s *TradeService) createTrade(ctx context.Context, tradeID string, buyer auth.Identity, req *CreateTradeRequest) (*models.Trade, error) {
	start := time.Now()
	listing, err := s.items.GetListing(ctx, req.ListingID)
	util.ItemServiceLatency.WithLabelValues("get_listing").Observe(time.Since(start).Seconds())
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil, err
		}
		return nil, apperror.Wrap(apperror.KindDegraded, err, "listing lookup failed")
	}

	if listing.Seller.UserID == buyer.UserID {
		return nil, apperror.Validation("you cannot buy your own listing")
	}
	if err := auth.ValidateTradeURL(buyer.TradeURL); err != nil {
		return nil, err
	}
	if err := validateMoney(&listing.Price, "listing price"); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	trade := &models.Trade{
		ID:        tradeID,
		Buyer:     buyer.Party(),
		Seller:    listing.Seller,
		Item:      listing.Item,
		Price:     listing.Price,
		CreatedAt: now,
	}
	trade.AppendStatus(models.TradeStatusAwaitingSeller, buyer.UserID, "", now)

	if err := s.repo.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	util.TradesCreatedTotal.Inc()
	s.logger.Info("Trade created",
		zap.String("trade_id", trade.ID),
		zap.String("buyer_id", trade.Buyer.UserID),
		zap.String("seller_id", trade.Seller.UserID),
		zap.String("price", trade.Price.String()))

	publish(ctx, s.publisher, s.logger, tradeEvent(models.EventTypeNewTrade, trade, buyer.UserID, ""))
	return trade, nil
}

// GetTrade retrieves a trade the user takes part in
func (s *TradeService) GetTrade(ctx context.Context, tradeID, userID string) (*models.Trade, error) {
	ctx, span := util.StartSpan(ctx, "TradeService.GetTrade", util.TradeAttr(tradeID))
	defer span.End()

	trade, err := s.repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(userID) {
		return nil, apperror.New(apperror.KindForbidden, "not a party to this trade")
	}
	return trade, nil
}

// ListTrades returns the user's trades, newest first
func (s *TradeService) ListTrades(ctx context.Context, userID string, filter models.TradeFilter) ([]models.TradeSummary, error) {
	ctx, span := util.StartSpan(ctx, "TradeService.ListTrades")
	defer span.End()

	switch filter.Role {
	case models.RoleNone, models.RoleBuyer, models.RoleSeller:
	default:
		return nil, apperror.Validation("unknown role %q", filter.Role)
	}
	switch filter.StatusClass {
	case models.StatusClassAll, models.StatusClassActive, models.StatusClassHistory:
	default:
		return nil, apperror.Validation("unknown status filter %q", filter.StatusClass)
	}

	trades, err := s.repo.ListTradesByUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.TradeSummary, 0, len(trades))
	for i := range trades {
		summaries = append(summaries, trades[i].Summarize(userID))
	}
	return summaries, nil
}

// Transition applies a user's action to a trade
func (s *TradeService) Transition(ctx context.Context, tradeID, userID string, req *TransitionRequest) (*models.Trade, error) {
	ctx, span := util.StartSpan(ctx, "TradeService.Transition", util.TradeAttr(tradeID))
	defer span.End()

	trade, err := s.repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	role := trade.RoleOf(userID)
	if role == models.RoleNone || role == models.RoleSystem {
		return nil, apperror.New(apperror.KindUnauthorized, "not a party to this trade")
	}
	return s.apply(ctx, trade, statemachine.Action(req.Action), role, userID, req)
}

// SystemTransition applies a system-only action such as expire or fail
func (s *TradeService) SystemTransition(ctx context.Context, tradeID string, action statemachine.Action, note string) (*models.Trade, error) {
	ctx, span := util.StartSpan(ctx, "TradeService.SystemTransition", util.TradeAttr(tradeID))
	defer span.End()

	trade, err := s.repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, trade, action, models.RoleSystem, models.SystemActor, &TransitionRequest{Action: string(action), Reason: note})
}

func (s *TradeService) apply(ctx context.Context, trade *models.Trade, action statemachine.Action, role models.Role, actorID string, req *TransitionRequest) (*models.Trade, error) {
	start := time.Now()
	defer func() {
		util.TradeTransitionLatency.Observe(time.Since(start).Seconds())
	}()

	label := string(action)
	if _, err := statemachine.ParseAction(label); err != nil {
		label = "unknown"
	}

	var (
		updated *models.Trade
		change  *store.OfferChange
		err     error
	)
	for attempt := 1; ; attempt++ {
		updated, change, err = s.prepare(ctx, trade, action, role, actorID, req)
		if err == nil {
			if change != nil {
				err = s.repo.ApplyOfferChange(ctx, change)
			} else {
				err = s.repo.UpdateTrade(ctx, updated)
			}
		}
		if !store.IsStaleVersion(err) || attempt >= casAttempts {
			break
		}
		// judge the action again against what the concurrent writer left
		fresh, gerr := s.repo.GetTrade(ctx, trade.ID)
		if gerr != nil {
			err = gerr
			break
		}
		trade = fresh
	}
	if err != nil {
		util.TradeTransitionsTotal.WithLabelValues(label, string(apperror.KindOf(err))).Inc()
		s.logger.Info("Trade transition rejected",
			zap.String("trade_id", trade.ID),
			zap.String("action", string(action)),
			zap.String("actor_id", actorID),
			zap.String("status", string(trade.Status)),
			zap.Error(err))
		return nil, err
	}

	util.TradeTransitionsTotal.WithLabelValues(label, "ok").Inc()
	s.logger.Info("Trade transitioned",
		zap.String("trade_id", updated.ID),
		zap.String("action", string(action)),
		zap.String("actor_id", actorID),
		zap.String("from", string(trade.Status)),
		zap.String("to", string(updated.Status)))

	note := updated.StatusHistory[len(updated.StatusHistory)-1].Note
	events := []*models.Event{tradeEvent(models.EventTypeTradeUpdate, updated, actorID, note)}
	if change != nil && change.Offer != nil {
		eventType := models.EventTypeOfferUpdate
		if change.NewOffer {
			eventType = models.EventTypeNewOffer
		}
		events = append(events, offerEvent(eventType, change.Offer, actorID))
	}
	publish(ctx, s.publisher, s.logger, events...)

	if action == statemachine.ActionSellerInitiate {
		s.requestTransfer(updated)
	}
	return updated, nil
}

// prepare validates the action and builds the writes it needs without persisting anything.
// The returned OfferChange is non-nil when a linked offer must change in the same write.
func (s *TradeService) prepare(ctx context.Context, trade *models.Trade, action statemachine.Action, role models.Role, actorID string, req *TransitionRequest) (*models.Trade, *store.OfferChange, error) {
	next, err := statemachine.Next(trade.Status, action, role)
	if err != nil {
		return nil, nil, err
	}

	note := strings.TrimSpace(req.Reason)
	ref := strings.TrimSpace(req.ExternalRef)
	now := s.now().UTC()
	updated := trade.Clone()

	switch action {
	case statemachine.ActionCancel:
		if note == "" {
			return nil, nil, apperror.Validation("a cancellation reason is required")
		}
		updated.CancelReason = note
	case statemachine.ActionReject:
		updated.CancelReason = note
	case statemachine.ActionSellerConfirmSent:
		if ref == "" && trade.ExternalRef == "" {
			return nil, nil, apperror.Validation("external_ref is required to confirm the item was sent")
		}
		if ref != "" {
			updated.ExternalRef = ref
		}
	case statemachine.ActionSellerInitiate:
		if ref != "" {
			updated.ExternalRef = ref
		}
	case statemachine.ActionCounterOffer:
		if err := validateMoney(req.CounterAmount, "counter_amount"); err != nil {
			return nil, nil, err
		}
		if req.CounterAmount.Currency != trade.Price.Currency {
			return nil, nil, apperror.Validation("counter_amount currency must be %s", trade.Price.Currency)
		}
		if req.CounterAmount.Amount == trade.Price.Amount {
			return nil, nil, apperror.Validation("counter_amount must differ from the current price")
		}
	}

	var change *store.OfferChange

	if action == statemachine.ActionCounterOffer {
		counter := *req.CounterAmount
		offer := &models.Offer{
			ID:            uuid.New().String(),
			Item:          trade.Item,
			ProposerID:    trade.Buyer.UserID,
			RecipientID:   trade.Seller.UserID,
			Proposer:      trade.Buyer,
			Recipient:     trade.Seller,
			Amount:        trade.Price,
			CounterAmount: &counter,
			Message:       note,
			Status:        models.OfferStatusCountered,
			TradeID:       trade.ID,
			ExpiresAt:     now.Add(s.cfg.OfferTTL),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		updated.OfferID = offer.ID
		if note == "" {
			note = "counter-offer " + counter.String()
		}
		change = &store.OfferChange{Offer: offer, NewOffer: true, Trade: updated}
	} else if trade.Status == models.TradeStatusAwaitingConfirmation && next != models.TradeStatusAwaitingConfirmation {
		// leaving the negotiation resolves the open counter-offer in the same write
		linked, err := s.repo.GetOfferByTrade(ctx, trade.ID)
		switch {
		case err == nil:
			resolved := *linked
			resolved.Status = linkedOfferOutcome(action)
			resolved.UpdatedAt = now
			if action == statemachine.ActionAcceptCounter && linked.CounterAmount != nil {
				updated.PriceHistory = append(updated.PriceHistory, models.PriceChange{
					Old:       updated.Price,
					New:       *linked.CounterAmount,
					At:        now,
					ChangedBy: actorID,
				})
				updated.Price = *linked.CounterAmount
				util.TradePriceUpdatesTotal.Inc()
			}
			change = &store.OfferChange{Offer: &resolved, ExpectedStatus: linked.Status, Trade: updated}
		case errors.Is(err, apperror.ErrNotFound):
		default:
			return nil, nil, err
		}
	}

	updated.AppendStatus(next, actorID, note, now)
	return updated, change, nil
}

func linkedOfferOutcome(action statemachine.Action) models.OfferStatus {
	switch action {
	case statemachine.ActionAcceptCounter:
		return models.OfferStatusAccepted
	case statemachine.ActionDeclineCounter:
		return models.OfferStatusDeclined
	case statemachine.ActionExpire:
		return models.OfferStatusExpired
	}
	return models.OfferStatusCancelled
}

// UpdatePrice changes the price of a trade that has not been committed yet
func (s *TradeService) UpdatePrice(ctx context.Context, tradeID, userID string, price models.Money) (*models.Trade, error) {
	ctx, span := util.StartSpan(ctx, "TradeService.UpdatePrice", util.TradeAttr(tradeID))
	defer span.End()

	if err := validateMoney(&price, "price"); err != nil {
		return nil, err
	}

	trade, err := s.repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.RoleOf(userID) != models.RoleSeller {
		return nil, apperror.New(apperror.KindUnauthorized, "only the seller may change the price")
	}
	if trade.Status.IsTerminal() {
		return nil, apperror.New(apperror.KindAlreadyTerminal, "trade is %s", trade.Status)
	}
	if !statemachine.IsPreCommitment(trade.Status) {
		return nil, apperror.New(apperror.KindInvalidTransition, "price is fixed once the item is on its way")
	}
	if price.Currency != trade.Price.Currency {
		return nil, apperror.Validation("price currency must be %s", trade.Price.Currency)
	}
	if price == trade.Price {
		return trade, nil
	}

	now := s.now().UTC()
	updated := trade.Clone()
	updated.PriceHistory = append(updated.PriceHistory, models.PriceChange{
		Old:       trade.Price,
		New:       price,
		At:        now,
		ChangedBy: userID,
	})
	updated.Price = price
	updated.UpdatedAt = now

	if err := s.repo.UpdateTrade(ctx, updated); err != nil {
		return nil, err
	}

	util.TradePriceUpdatesTotal.Inc()
	s.logger.Info("Trade price updated",
		zap.String("trade_id", updated.ID),
		zap.String("old", trade.Price.String()),
		zap.String("new", price.String()))

	publish(ctx, s.publisher, s.logger,
		tradeEvent(models.EventTypeTradeUpdate, updated, userID, "price changed to "+price.String()))
	return updated, nil
}

// VerifyItemTransferred asks the item service whether the seller's item has left
// their holding. It never fails because of the item service: when the check
// cannot complete in time the answer is unknown and marked degraded.
// The trade itself is never changed.
func (s *TradeService) VerifyItemTransferred(ctx context.Context, tradeID, userID string) (*models.TransferCheck, error) {
	ctx, span := util.StartSpan(ctx, "TradeService.VerifyItemTransferred", util.TradeAttr(tradeID))
	defer span.End()

	trade, err := s.GetTrade(ctx, tradeID, userID)
	if err != nil {
		return nil, err
	}

	cacheKey := "transfer-check:" + trade.ID
	var cached models.TransferCheck
	if found, err := s.coord.GetJSON(ctx, cacheKey, &cached); err != nil {
		s.logger.Warn("Transfer check cache unavailable", zap.Error(err))
	} else if found {
		return &cached, nil
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()

	start := time.Now()
	state, err := s.items.TransferState(vctx, trade.Item.AssetID, trade.Seller.UserID)
	util.ItemServiceLatency.WithLabelValues("transfer_state").Observe(time.Since(start).Seconds())

	check := &models.TransferCheck{
		TradeID:   trade.ID,
		State:     state,
		CheckedAt: s.now().UTC(),
	}
	if err != nil {
		degraded := apperror.Wrap(apperror.KindDegraded, err, "item transfer check unavailable")
		s.logger.Warn("Transfer verification degraded",
			zap.String("trade_id", trade.ID),
			zap.Error(degraded))
		check.State = models.TransferStateUnknown
		check.Degraded = true
		check.Message = degraded.Message
	}
	util.TransferVerificationsTotal.WithLabelValues(string(check.State), fmt.Sprintf("%t", check.Degraded)).Inc()

	// only a completed transfer is final
	if check.State == models.TransferStateTransferred {
		if err := s.coord.SetJSON(ctx, cacheKey, check, s.cfg.VerifyCacheTTL); err != nil {
			s.logger.Warn("Failed to cache transfer check", zap.Error(err))
		}
	}
	return check, nil
}

// requestTransfer asks the item service to send the item without holding up the caller
func (s *TradeService) requestTransfer(trade *models.Trade) {
	req := items.TransferRequest{
		TradeID:      trade.ID,
		AssetID:      trade.Item.AssetID,
		FromUserID:   trade.Seller.UserID,
		ToTradeURL:   trade.Buyer.TradeURL,
		OfferMessage: "Trade " + trade.ID,
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), transferRequestTimeout)
		defer cancel()

		start := time.Now()
		err := s.items.RequestTransfer(ctx, req)
		util.ItemServiceLatency.WithLabelValues("request_transfer").Observe(time.Since(start).Seconds())
		if err != nil {
			util.TransferRequestsFailed.Inc()
			s.logger.Error("Transfer request failed",
				zap.String("trade_id", req.TradeID),
				zap.String("asset_id", req.AssetID),
				zap.Error(err))
			return
		}
		s.logger.Info("Transfer requested", zap.String("trade_id", req.TradeID))
	}()
}

// Close waits for background transfer requests to finish
func (s *TradeService) Close() {
	s.background.Wait()
}

func validateMoney(m *models.Money, field string) error {
	if m == nil {
		return apperror.Validation("%s is required", field)
	}
	if m.Amount <= 0 {
		return apperror.Validation("%s must be positive", field)
	}
	if len(m.Currency) != 3 {
		return apperror.Validation("%s currency must be a 3-letter code", field)
	}
	return nil
}
