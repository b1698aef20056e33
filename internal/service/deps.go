package service

import (
	"context"
	"time"

	"trade-service/internal/items"
	"trade-service/internal/models"
	"trade-service/internal/store"
)

// Repository is the trade and offer persistence the services need.
// Both store.Store and store.MemoryStore satisfy it.
type Repository interface {
	CreateTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	ListTradesByUser(ctx context.Context, userID string, filter models.TradeFilter) ([]models.Trade, error)
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	FindStaleTrades(ctx context.Context, statuses []models.TradeStatus, updatedBefore time.Time, limit int) ([]models.Trade, error)

	CreateOffer(ctx context.Context, offer *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	GetOfferByTrade(ctx context.Context, tradeID string) (*models.Offer, error)
	ListOffersByUser(ctx context.Context, userID string, role store.OfferRole, limit int) ([]models.Offer, error)
	UpdateOffer(ctx context.Context, offer *models.Offer, expected models.OfferStatus) error
	FindExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.Offer, error)

	ApplyOfferChange(ctx context.Context, change *store.OfferChange) error
}

// EventPublisher delivers events to the real-time channel, directly or through Kafka
type EventPublisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// ItemService is the inventory and item-transfer collaborator
type ItemService interface {
	GetListing(ctx context.Context, listingID string) (*models.Listing, error)
	RequestTransfer(ctx context.Context, req items.TransferRequest) error
	TransferState(ctx context.Context, assetID, ownerID string) (models.TransferState, error)
}

// Coordinator holds short-lived shared state: idempotency claims, locks and
// cached lookups. redisclient.Client satisfies it across instances and
// LocalCoordinator within one process.
type Coordinator interface {
	ClaimIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
}

// Config holds the business timeouts the services apply
type Config struct {
	OfferTTL       time.Duration
	VerifyTimeout  time.Duration
	VerifyCacheTTL time.Duration
	IdempotencyTTL time.Duration
}
