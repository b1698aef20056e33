package service

import (
	"context"
	"encoding/json"
	"time"

	"trade-service/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func tradeEvent(eventType string, trade *models.Trade, actorID, message string) *models.Event {
	payload, _ := json.Marshal(trade)
	return &models.Event{
		EventID:    uuid.New().String(),
		Type:       eventType,
		TradeID:    trade.ID,
		OfferID:    trade.OfferID,
		NewStatus:  string(trade.Status),
		ActorID:    actorID,
		Payload:    payload,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		Recipients: []string{trade.Buyer.UserID, trade.Seller.UserID},
	}
}

func offerEvent(eventType string, offer *models.Offer, actorID string) *models.Event {
	payload, _ := json.Marshal(offer)
	return &models.Event{
		EventID:    uuid.New().String(),
		Type:       eventType,
		OfferID:    offer.ID,
		NewStatus:  string(offer.Status),
		ActorID:    actorID,
		Payload:    payload,
		Message:    offer.Message,
		Timestamp:  time.Now().UTC(),
		Recipients: []string{offer.ProposerID, offer.RecipientID},
	}
}

// publish logs and skips events that fail to send
func publish(ctx context.Context, publisher EventPublisher, logger *zap.Logger, events ...*models.Event) {
	if publisher == nil {
		return
	}
	for _, e := range events {
		if err := publisher.Publish(ctx, e); err != nil {
			logger.Error("Failed to publish event",
				zap.String("type", e.Type),
				zap.String("trade_id", e.TradeID),
				zap.String("offer_id", e.OfferID),
				zap.Error(err))
			continue
		}
		logger.Debug("Event published", zap.String("type", e.Type), zap.String("event_id", e.EventID))
	}
}
