package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const offerColumns = `id, listing_id, item, proposer_id, recipient_id, proposer, recipient, amount,
	counter_amount, message, status, trade_id, expires_at, created_at, updated_at`

// CreateOffer inserts a new offer.
// Returns ErrDuplicateOffer when the proposer already has an unresolved offer on the item.
func (s *Store) CreateOffer(ctx context.Context, offer *models.Offer) error {
	return insertOffer(ctx, s.db, offer)
}

func insertOffer(ctx context.Context, ex sqlx.ExtContext, offer *models.Offer) error {
	query := `
		INSERT INTO offers (id, listing_id, item_asset_id, item, proposer_id, recipient_id, proposer,
			recipient, amount, counter_amount, message, status, trade_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := ex.ExecContext(ctx, query,
		offer.ID, offer.ListingID, offer.Item.AssetID, offer.Item, offer.ProposerID, offer.RecipientID,
		offer.Proposer, offer.Recipient, offer.Amount, offer.CounterAmount, offer.Message, offer.Status, offer.TradeID,
		offer.ExpiresAt, offer.CreatedAt, offer.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateOffer
	}
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

// GetOffer retrieves an offer by ID
func (s *Store) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.GetContext(ctx, &offer, "SELECT "+offerColumns+" FROM offers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("offer not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return &offer, nil
}

// ListOffersByUser retrieves offers sent or received by userID, newest first
func (s *Store) ListOffersByUser(ctx context.Context, userID string, role OfferRole, limit int) ([]models.Offer, error) {
	query := "SELECT " + offerColumns + " FROM offers WHERE "
	switch role {
	case OfferRoleProposer:
		query += "proposer_id = $1"
	case OfferRoleRecipient:
		query += "recipient_id = $1"
	default:
		query += "(proposer_id = $1 OR recipient_id = $1)"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var offers []models.Offer
	if err := s.db.SelectContext(ctx, &offers, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	return offers, nil
}

// UpdateOffer persists offer if it is still in expected status
func (s *Store) UpdateOffer(ctx context.Context, offer *models.Offer, expected models.OfferStatus) error {
	return updateOffer(ctx, s.db, offer, expected)
}

func updateOffer(ctx context.Context, ex sqlx.ExtContext, offer *models.Offer, expected models.OfferStatus) error {
	query := `
		UPDATE offers
		SET counter_amount = $1, status = $2, trade_id = $3, expires_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7`

	res, err := ex.ExecContext(ctx, query,
		offer.CounterAmount, offer.Status, offer.TradeID, offer.ExpiresAt, offer.UpdatedAt,
		offer.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrOfferStatusChanged
	}
	return nil
}

// FindExpiredOffers returns unresolved offers whose expiry has passed
func (s *Store) FindExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.Offer, error) {
	var offers []models.Offer
	err := s.db.SelectContext(ctx, &offers,
		"SELECT "+offerColumns+" FROM offers WHERE status IN ('pending', 'countered') AND expires_at < $1 ORDER BY expires_at LIMIT $2",
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired offers: %w", err)
	}
	return offers, nil
}

// GetOfferByTrade retrieves the unresolved counter-offer attached to a trade, if any
func (s *Store) GetOfferByTrade(ctx context.Context, tradeID string) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.GetContext(ctx, &offer,
		"SELECT "+offerColumns+" FROM offers WHERE trade_id = $1 AND status IN ('pending', 'countered') ORDER BY created_at DESC LIMIT 1",
		tradeID)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("no open offer for trade: %s", tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer by trade: %w", err)
	}
	return &offer, nil
}
