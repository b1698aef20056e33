package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TradeStatus is the lifecycle state of a trade
type TradeStatus string

// Trade statuses
const (
	TradeStatusCreated              TradeStatus = "created"
	TradeStatusPending              TradeStatus = "pending"
	TradeStatusAwaitingSeller       TradeStatus = "awaiting_seller"
	TradeStatusAwaitingBuyer        TradeStatus = "awaiting_buyer"
	TradeStatusAccepted             TradeStatus = "accepted"
	TradeStatusOfferSent            TradeStatus = "offer_sent"
	TradeStatusAwaitingConfirmation TradeStatus = "awaiting_confirmation"
	TradeStatusCompleted            TradeStatus = "completed"
	TradeStatusCancelled            TradeStatus = "cancelled"
	TradeStatusFailed               TradeStatus = "failed"
	TradeStatusRejected             TradeStatus = "rejected"
	TradeStatusExpired              TradeStatus = "expired"
)

// OfferStatus is the negotiation state of an offer
type OfferStatus string

// Offer statuses
const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusCountered OfferStatus = "countered"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusDeclined  OfferStatus = "declined"
	OfferStatusCancelled OfferStatus = "cancelled"
	OfferStatusExpired   OfferStatus = "expired"
)

// Role is the position a user holds in a trade
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleSystem Role = "system"
	RoleNone   Role = ""
)

// SystemActor is recorded as the actor of transitions applied by background workers
const SystemActor = "system"

// Money is an amount in minor currency units
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

// Party is one side of a trade as supplied by the identity collaborator
type Party struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	TradeURL    string `json:"trade_url,omitempty"`
}

// ItemSnapshot is the item data captured when the trade was created
type ItemSnapshot struct {
	AssetID     string  `json:"asset_id"`
	Name        string  `json:"name"`
	ImageURL    string  `json:"image_url,omitempty"`
	Wear        string  `json:"wear,omitempty"`
	Rarity      string  `json:"rarity,omitempty"`
	FloatValue  float64 `json:"float_value,omitempty"`
	PatternSeed int     `json:"pattern_seed,omitempty"`
}

// StatusEntry is one append-only record in a trade's status history
type StatusEntry struct {
	Seq     int         `json:"seq"`
	Status  TradeStatus `json:"status"`
	At      time.Time   `json:"at"`
	ActorID string      `json:"actor_id"`
	Note    string      `json:"note,omitempty"`
}

// PriceChange records a price edit made before the trade was committed
type PriceChange struct {
	Old       Money     `json:"old"`
	New       Money     `json:"new"`
	At        time.Time `json:"at"`
	ChangedBy string    `json:"changed_by"`
}

// StatusHistory is stored as a JSONB column
type StatusHistory []StatusEntry

// PriceHistory is stored as a JSONB column
type PriceHistory []PriceChange

// Trade is a committed peer-to-peer exchange of one item for payment
type Trade struct {
	ID            string        `db:"id" json:"id"`
	Buyer         Party         `db:"buyer" json:"buyer"`
	Seller        Party         `db:"seller" json:"seller"`
	Item          ItemSnapshot  `db:"item" json:"item"`
	Price         Money         `db:"price" json:"price"`
	PriceHistory  PriceHistory  `db:"price_history" json:"price_history"`
	Status        TradeStatus   `db:"status" json:"status"`
	StatusHistory StatusHistory `db:"status_history" json:"status_history"`
	ExternalRef   string        `db:"external_ref" json:"external_ref,omitempty"`
	CancelReason  string        `db:"cancel_reason" json:"cancel_reason,omitempty"`
	OfferID       string        `db:"offer_id" json:"offer_id,omitempty"`
	Version       int64         `db:"version" json:"version"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// RoleOf returns the role userID holds in the trade
func (t *Trade) RoleOf(userID string) Role {
	switch userID {
	case "":
		return RoleNone
	case t.Buyer.UserID:
		return RoleBuyer
	case t.Seller.UserID:
		return RoleSeller
	case SystemActor:
		return RoleSystem
	}
	return RoleNone
}

// IsParty reports whether userID is the buyer or the seller
func (t *Trade) IsParty(userID string) bool {
	r := t.RoleOf(userID)
	return r == RoleBuyer || r == RoleSeller
}

// AppendStatus moves the trade to status and records the history entry
func (t *Trade) AppendStatus(status TradeStatus, actorID, note string, at time.Time) {
	if n := len(t.StatusHistory); n > 0 && at.Before(t.StatusHistory[n-1].At) {
		at = t.StatusHistory[n-1].At
	}
	t.StatusHistory = append(t.StatusHistory, StatusEntry{
		Seq:     len(t.StatusHistory) + 1,
		Status:  status,
		At:      at,
		ActorID: actorID,
		Note:    note,
	})
	t.Status = status
	t.UpdatedAt = at
}

// Clone returns a deep copy so callers can mutate without touching shared state
func (t *Trade) Clone() *Trade {
	c := *t
	c.StatusHistory = append(StatusHistory(nil), t.StatusHistory...)
	c.PriceHistory = append(PriceHistory(nil), t.PriceHistory...)
	return &c
}

// Counterparty returns the other side of the trade from userID's point of view
func (t *Trade) Counterparty(userID string) Party {
	if userID == t.Buyer.UserID {
		return t.Seller
	}
	return t.Buyer
}

// TradeSummary is the list view of a trade
type TradeSummary struct {
	ID           string      `json:"id"`
	ItemName     string      `json:"item_name"`
	ItemImageURL string      `json:"item_image_url,omitempty"`
	Price        Money       `json:"price"`
	Status       TradeStatus `json:"status"`
	Role         Role        `json:"role"`
	Counterparty Party       `json:"counterparty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Summarize builds the list view of t for userID
func (t *Trade) Summarize(userID string) TradeSummary {
	return TradeSummary{
		ID:           t.ID,
		ItemName:     t.Item.Name,
		ItemImageURL: t.Item.ImageURL,
		Price:        t.Price,
		Status:       t.Status,
		Role:         t.RoleOf(userID),
		Counterparty: t.Counterparty(userID),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// StatusClass narrows trade lists to active or historical trades
type StatusClass string

const (
	StatusClassAll     StatusClass = ""
	StatusClassActive  StatusClass = "active"
	StatusClassHistory StatusClass = "history"
)

// TradeFilter narrows ListTrades results
type TradeFilter struct {
	Role        Role
	StatusClass StatusClass
	Limit       int
}

// Offer is a pre-trade proposal on a listed item
type Offer struct {
	ID            string       `db:"id" json:"id"`
	ListingID     string       `db:"listing_id" json:"listing_id"`
	Item          ItemSnapshot `db:"item" json:"item"`
	ProposerID    string       `db:"proposer_id" json:"proposer_id"`
	RecipientID   string       `db:"recipient_id" json:"recipient_id"`
	Proposer      Party        `db:"proposer" json:"proposer"`
	Recipient     Party        `db:"recipient" json:"recipient"`
	Amount        Money        `db:"amount" json:"amount"`
	CounterAmount *Money       `db:"counter_amount" json:"counter_amount,omitempty"`
	Message       string       `db:"message" json:"message,omitempty"`
	Status        OfferStatus  `db:"status" json:"status"`
	TradeID       string       `db:"trade_id" json:"trade_id,omitempty"`
	ExpiresAt     time.Time    `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// AgreedAmount is the amount a trade created from this offer carries
func (o *Offer) AgreedAmount() Money {
	if o.Status == OfferStatusCountered && o.CounterAmount != nil {
		return *o.CounterAmount
	}
	return o.Amount
}

// Unresolved reports whether the offer still awaits an answer
func (o *Offer) Unresolved() bool {
	return o.Status == OfferStatusPending || o.Status == OfferStatusCountered
}

// Listing is an item put up for sale, supplied by the inventory collaborator
type Listing struct {
	ID     string       `json:"id"`
	Item   ItemSnapshot `json:"item"`
	Seller Party        `json:"seller"`
	Price  Money        `json:"price"`
}

// TransferState is the item-transfer collaborator's view of an item
type TransferState string

const (
	TransferStateTransferred    TransferState = "transferred"
	TransferStateNotTransferred TransferState = "not_transferred"
	TransferStateUnknown        TransferState = "unknown"
)

// TransferCheck is the advisory result of VerifyItemTransferred
type TransferCheck struct {
	TradeID   string        `json:"trade_id"`
	State     TransferState `json:"state"`
	Degraded  bool          `json:"degraded"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("unsupported JSON column type %T", src)
}

func (p Party) Value() (driver.Value, error) { return jsonValue(p) }
func (p *Party) Scan(src interface{}) error { return scanJSON(src, p) }
func (m Money) Value() (driver.Value, error) { return jsonValue(m) }
func (m *Money) Scan(src interface{}) error { return scanJSON(src, m) }
func (i ItemSnapshot) Value() (driver.Value, error) { return jsonValue(i) }
func (i *ItemSnapshot) Scan(src interface{}) error { return scanJSON(src, i) }

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	return jsonValue([]StatusEntry(h))
}

func (h *StatusHistory) Scan(src interface{}) error { return scanJSON(src, h) }

func (h PriceHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	return jsonValue([]PriceChange(h))
}

func (h *PriceHistory) Scan(src interface{}) error { return scanJSON(src, h) }

// TerminalTradeStatuses are the statuses from which no transition is permitted
var TerminalTradeStatuses = []TradeStatus{
	TradeStatusCompleted,
	TradeStatusCancelled,
	TradeStatusFailed,
	TradeStatusRejected,
	TradeStatusExpired,
}

// IsTerminal reports whether s is a terminal status
func (s TradeStatus) IsTerminal() bool {
	for _, t := range TerminalTradeStatuses {
		if s == t {
			return true
		}
	}
	return false
}
