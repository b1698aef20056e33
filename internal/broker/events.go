package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"trade-service/internal/models"
	"trade-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing trade and offer events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish writes event to the trade events topic, keyed so that events for
// one trade (or one standalone offer) stay in order.
func (ep *EventPublisher) Publish(ctx context.Context, event *models.Event) error {
	return ep.producer.PublishEvent(ctx, EventKey(event), event)
}

// EventKey is the partition key for event
func EventKey(event *models.Event) string {
	switch {
	case event.TradeID != "":
		return fmt.Sprintf("trade-%s", event.TradeID)
	case event.OfferID != "":
		return fmt.Sprintf("offer-%s", event.OfferID)
	}
	return event.Topic
}

// EventHandler handles incoming events
type EventHandler struct {
	onEvent func(context.Context, *models.Event) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnEvent registers the handler every decoded event is passed to
func (eh *EventHandler) OnEvent(handler func(context.Context, *models.Event) error) {
	eh.onEvent = handler
}

// HandleMessage decodes a message and passes it on
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	util.GetLogger().Debug("Handling event",
		zap.String("type", event.Type),
		zap.String("event_id", event.EventID),
		zap.String("trade_id", event.TradeID))

	switch event.Type {
	case models.EventTypeTradeUpdate, models.EventTypeNewTrade,
		models.EventTypeNewOffer, models.EventTypeOfferUpdate:
		if eh.onEvent != nil {
			return eh.onEvent(ctx, &event)
		}
	default:
		util.GetLogger().Warn("Unhandled event type", zap.String("type", event.Type))
	}

	return nil
}
