package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/auth"
	"trade-service/internal/models"
	"trade-service/internal/statemachine"
	"trade-service/internal/store"
	"trade-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	offerSlotLockTTL  = 10 * time.Second
	maxOfferMessage   = 500
	defaultOfferLimit = 50
)

// OfferService handles pre-trade negotiation on listed items
type OfferService struct {
	repo      Repository
	items     ItemService
	publisher EventPublisher
	coord     Coordinator
	trades    *TradeService
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewOfferService creates a new offer service.
// Counter-offers attached to a trade are settled through trades.
func NewOfferService(
	repo Repository,
	itemService ItemService,
	publisher EventPublisher,
	coord Coordinator,
	trades *TradeService,
	cfg Config,
) *OfferService {
	if coord == nil {
		coord = NewLocalCoordinator()
	}
	return &OfferService{
		repo:      repo,
		items:     itemService,
		publisher: publisher,
		coord:     coord,
		trades:    trades,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateOfferRequest represents an offer on a listed item
type CreateOfferRequest struct {
	ListingID string       `json:"listing_id" binding:"required"`
	Amount    models.Money `json:"amount"`
	Message   string       `json:"message,omitempty"`
}

// CounterOfferRequest carries the item owner's counter amount
type CounterOfferRequest struct {
	Amount models.Money `json:"amount"`
}

// OfferResult is the outcome of answering an offer; Trade is set when one was created or changed
type OfferResult struct {
	Offer *models.Offer `json:"offer"`
	Trade *models.Trade `json:"trade,omitempty"`
}

// CreateOffer proposes an amount for a listed item
func (s *OfferService) CreateOffer(ctx context.Context, proposer auth.Identity, req *CreateOfferRequest) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.CreateOffer")
	defer span.End()

	if err := validateMoney(&req.Amount, "amount"); err != nil {
		return nil, err
	}
	message := strings.TrimSpace(req.Message)
	if len(message) > maxOfferMessage {
		return nil, apperror.Validation("message must be at most %d characters", maxOfferMessage)
	}
	if err := auth.ValidateTradeURL(proposer.TradeURL); err != nil {
		return nil, err
	}

	listing, err := s.items.GetListing(ctx, req.ListingID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil, err
		}
		return nil, apperror.Wrap(apperror.KindDegraded, err, "listing lookup failed")
	}
	if listing.Seller.UserID == proposer.UserID {
		return nil, apperror.Validation("you cannot make an offer on your own listing")
	}
	if req.Amount.Currency != listing.Price.Currency {
		return nil, apperror.Validation("amount currency must be %s", listing.Price.Currency)
	}

	// serialises concurrent offers from one proposer on one item; the store's
	// uniqueness rule still decides
	lockKey := fmt.Sprintf("offer-slot:%s:%s", listing.Item.AssetID, proposer.UserID)
	token, ok, err := s.coord.AcquireLock(ctx, lockKey, offerSlotLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire offer lock: %w", err)
	}
	if !ok {
		return nil, store.ErrDuplicateOffer
	}
	defer func() {
		if err := s.coord.ReleaseLock(context.Background(), lockKey, token); err != nil {
			s.logger.Warn("Failed to release offer lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	now := s.now().UTC()
	offer := &models.Offer{
		ID:          uuid.New().String(),
		ListingID:   listing.ID,
		Item:        listing.Item,
		ProposerID:  proposer.UserID,
		RecipientID: listing.Seller.UserID,
		Proposer:    proposer.Party(),
		Recipient:   listing.Seller,
		Amount:      req.Amount,
		Message:     message,
		Status:      models.OfferStatusPending,
		ExpiresAt:   now.Add(s.cfg.OfferTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}

	util.OffersCreatedTotal.Inc()
	s.logger.Info("Offer created",
		zap.String("offer_id", offer.ID),
		zap.String("listing_id", offer.ListingID),
		zap.String("proposer_id", offer.ProposerID),
		zap.String("amount", offer.Amount.String()))

	publish(ctx, s.publisher, s.logger, offerEvent(models.EventTypeNewOffer, offer, proposer.UserID))
	return offer, nil
}

// GetOffer retrieves an offer the user sent or received
func (s *OfferService) GetOffer(ctx context.Context, offerID, userID string) (*models.Offer, error) {
	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.ProposerID != userID && offer.RecipientID != userID {
		return nil, apperror.New(apperror.KindForbidden, "not a party to this offer")
	}
	return offer, nil
}

// ListOffers returns offers the user sent, received or both, newest first
func (s *OfferService) ListOffers(ctx context.Context, userID string, role store.OfferRole, limit int) ([]models.Offer, error) {
	switch role {
	case store.OfferRoleAny, store.OfferRoleProposer, store.OfferRoleRecipient:
	default:
		return nil, apperror.Validation("unknown offer role %q", role)
	}
	if limit <= 0 {
		limit = defaultOfferLimit
	}
	return s.repo.ListOffersByUser(ctx, userID, role, limit)
}

// AcceptOffer accepts an offer. A standalone offer becomes a new trade at the
// agreed amount; a trade's counter-offer moves that trade back to the seller.
func (s *OfferService) AcceptOffer(ctx context.Context, offerID, userID string) (*OfferResult, error) {
	return s.respond(ctx, offerID, userID, statemachine.OfferActionAccept, nil)
}

// DeclineOffer declines an offer
func (s *OfferService) DeclineOffer(ctx context.Context, offerID, userID string) (*OfferResult, error) {
	return s.respond(ctx, offerID, userID, statemachine.OfferActionDecline, nil)
}

// CounterOffer answers a pending offer with a different amount
func (s *OfferService) CounterOffer(ctx context.Context, offerID, userID string, amount models.Money) (*OfferResult, error) {
	return s.respond(ctx, offerID, userID, statemachine.OfferActionCounter, &amount)
}

// CancelOffer withdraws an offer the user proposed
func (s *OfferService) CancelOffer(ctx context.Context, offerID, userID string) (*OfferResult, error) {
	return s.respond(ctx, offerID, userID, statemachine.OfferActionCancel, nil)
}

// ExpireOffer closes an offer whose time ran out
func (s *OfferService) ExpireOffer(ctx context.Context, offer *models.Offer) error {
	if offer.TradeID != "" {
		// the trade decides what happens to its counter-offer
		_, err := s.trades.SystemTransition(ctx, offer.TradeID, statemachine.ActionExpire, "counter-offer expired")
		return err
	}
	_, err := s.respond(ctx, offer.ID, models.SystemActor, statemachine.OfferActionExpire, nil)
	return err
}

func (s *OfferService) respond(ctx context.Context, offerID, userID string, action statemachine.OfferAction, counter *models.Money) (*OfferResult, error) {
	ctx, span := util.StartSpan(ctx, "OfferService."+string(action), util.OfferAttr(offerID))
	defer span.End()

	offer, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	actor := statemachine.OfferActorFor(offer, userID)
	if actor == statemachine.OfferActorSystem && action != statemachine.OfferActionExpire {
		actor = statemachine.OfferActorNone
	}
	next, err := statemachine.NextOffer(offer.Status, action, actor)
	if err != nil {
		return nil, err
	}

	if offer.TradeID != "" {
		return s.respondLinked(ctx, offer, action, userID)
	}

	now := s.now().UTC()
	updated := cloneOffer(offer)
	updated.Status = next
	updated.UpdatedAt = now

	var result OfferResult
	switch action {
	case statemachine.OfferActionCounter:
		if err := validateMoney(counter, "amount"); err != nil {
			return nil, err
		}
		if counter.Currency != offer.Amount.Currency {
			return nil, apperror.Validation("amount currency must be %s", offer.Amount.Currency)
		}
		if counter.Amount == offer.Amount.Amount {
			return nil, apperror.Validation("counter amount must differ from the offer")
		}
		c := *counter
		updated.CounterAmount = &c
		updated.ExpiresAt = now.Add(s.cfg.OfferTTL)
		err = s.repo.UpdateOffer(ctx, updated, offer.Status)

	case statemachine.OfferActionAccept:
		trade := s.tradeFromOffer(offer, userID, now)
		updated.TradeID = trade.ID
		err = s.repo.ApplyOfferChange(ctx, &store.OfferChange{
			Offer:          updated,
			ExpectedStatus: offer.Status,
			Trade:          trade,
			NewTrade:       true,
		})
		result.Trade = trade

	default:
		err = s.repo.UpdateOffer(ctx, updated, offer.Status)
	}
	if err != nil {
		return nil, err
	}
	result.Offer = updated

	util.OffersResolvedTotal.WithLabelValues(string(next)).Inc()
	s.logger.Info("Offer updated",
		zap.String("offer_id", updated.ID),
		zap.String("action", string(action)),
		zap.String("actor_id", userID),
		zap.String("status", string(next)))

	events := []*models.Event{offerEvent(models.EventTypeOfferUpdate, updated, userID)}
	if result.Trade != nil {
		util.TradesCreatedTotal.Inc()
		events = append(events, tradeEvent(models.EventTypeNewTrade, result.Trade, userID, "created from offer"))
	}
	publish(ctx, s.publisher, s.logger, events...)
	return &result, nil
}

// respondLinked settles a trade's counter-offer through the trade lifecycle so
// that the trade and the offer change together.
func (s *OfferService) respondLinked(ctx context.Context, offer *models.Offer, action statemachine.OfferAction, userID string) (*OfferResult, error) {
	var tradeAction statemachine.Action
	var reason string
	switch action {
	case statemachine.OfferActionAccept:
		tradeAction, reason = statemachine.ActionAcceptCounter, "counter-offer accepted"
	case statemachine.OfferActionDecline:
		tradeAction, reason = statemachine.ActionDeclineCounter, "counter-offer declined"
	default:
		return nil, apperror.Validation("a counter-offer on a trade can only be accepted or declined")
	}

	trade, err := s.trades.Transition(ctx, offer.TradeID, userID, &TransitionRequest{
		Action: string(tradeAction),
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}

	settled, err := s.repo.GetOffer(ctx, offer.ID)
	if err != nil {
		return nil, err
	}
	util.OffersResolvedTotal.WithLabelValues(string(settled.Status)).Inc()
	return &OfferResult{Offer: settled, Trade: trade}, nil
}

func (s *OfferService) tradeFromOffer(offer *models.Offer, actorID string, now time.Time) *models.Trade {
	trade := &models.Trade{
		ID:        uuid.New().String(),
		Buyer:     offer.Proposer,
		Seller:    offer.Recipient,
		Item:      offer.Item,
		Price:     offer.AgreedAmount(),
		OfferID:   offer.ID,
		CreatedAt: now,
	}
	if trade.Buyer.UserID == "" {
		trade.Buyer.UserID = offer.ProposerID
	}
	if trade.Seller.UserID == "" {
		trade.Seller.UserID = offer.RecipientID
	}
	trade.AppendStatus(models.TradeStatusAwaitingSeller, actorID, "created from offer", now)
	return trade
}

func cloneOffer(o *models.Offer) *models.Offer {
	c := *o
	if o.CounterAmount != nil {
		amt := *o.CounterAmount
		c.CounterAmount = &amt
	}
	return &c
}

