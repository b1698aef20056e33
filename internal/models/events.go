package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types carried on the real-time channel and the Kafka topic
const (
	EventTypeTradeUpdate     = "trade_update"
	EventTypeNewTrade        = "new_trade"
	EventTypeNewOffer        = "new_offer"
	EventTypeOfferUpdate     = "offer_update"
	EventTypeRefresh         = "refresh"
	EventTypeSubscriptionAck = "subscription_ack"
	EventTypeError           = "error"
)

const (
	topicTradePrefix = "trade:"
	topicUserPrefix  = "user:"
)

// TradeTopic is the room a trade's updates are pushed to
func TradeTopic(tradeID string) string {
	return topicTradePrefix + tradeID
}

// UserTopic is the channel every session of userID listens on
func UserTopic(userID string) string {
	return topicUserPrefix + userID
}

// ParseTopic splits a topic into its kind ("trade" or "user") and id
func ParseTopic(topic string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(topic, topicTradePrefix):
		id = strings.TrimPrefix(topic, topicTradePrefix)
		return "trade", id, id != ""
	case strings.HasPrefix(topic, topicUserPrefix):
		id = strings.TrimPrefix(topic, topicUserPrefix)
		return "user", id, id != ""
	}
	return "", "", false
}

// Event is the push-channel wire format
type Event struct {
	EventID   string          `json:"event_id,omitempty"`
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	TradeID   string          `json:"tradeId,omitempty"`
	OfferID   string          `json:"offerId,omitempty"`
	NewStatus string          `json:"newStatus,omitempty"`
	ActorID   string          `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// Recipients are the user channels the event is also delivered to.
	Recipients []string `json:"recipients,omitempty"`
}

// Trade decodes the payload as a full trade record when one is attached
func (e *Event) Trade() (*Trade, bool) {
	if e.TradeID == "" || len(e.Payload) == 0 {
		return nil, false
	}
	var t Trade
	if err := json.Unmarshal(e.Payload, &t); err != nil || t.ID == "" {
		return nil, false
	}
	return &t, true
}

// Offer decodes the payload as an offer record when one is attached
func (e *Event) Offer() (*Offer, bool) {
	if e.OfferID == "" || len(e.Payload) == 0 {
		return nil, false
	}
	var o Offer
	if err := json.Unmarshal(e.Payload, &o); err != nil || o.ID == "" {
		return nil, false
	}
	return &o, true
}

// ClientMessage is a frame sent by a client over the channel
type ClientMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Client actions
const (
	ClientActionSubscribe   = "subscribe"
	ClientActionUnsubscribe = "unsubscribe"
	ClientActionRefresh     = "refresh"
)
