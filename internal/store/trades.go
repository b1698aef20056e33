package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const tradeColumns = `id, buyer, seller, item, price, price_history, status, status_history,
	external_ref, cancel_reason, offer_id, version, created_at, updated_at`

// CreateTrade inserts a new trade
func (s *Store) CreateTrade(ctx context.Context, trade *models.Trade) error {
	return insertTrade(ctx, s.db, trade)
}

func insertTrade(ctx context.Context, ex sqlx.ExtContext, trade *models.Trade) error {
	if trade.Version == 0 {
		trade.Version = 1
	}
	query := `
		INSERT INTO trades (id, buyer_id, seller_id, buyer, seller, item, price, price_history,
			status, status_history, external_ref, cancel_reason, offer_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := ex.ExecContext(ctx, query,
		trade.ID, trade.Buyer.UserID, trade.Seller.UserID, trade.Buyer, trade.Seller, trade.Item,
		trade.Price, trade.PriceHistory, trade.Status, trade.StatusHistory, trade.ExternalRef,
		trade.CancelReason, trade.OfferID, trade.Version, trade.CreatedAt, trade.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// GetTrade retrieves a trade by ID
func (s *Store) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.GetContext(ctx, &trade, "SELECT "+tradeColumns+" FROM trades WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("trade not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return &trade, nil
}

// ListTradesByUser retrieves trades where userID is a party, newest first
func (s *Store) ListTradesByUser(ctx context.Context, userID string, filter models.TradeFilter) ([]models.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE "
	args := []interface{}{userID}

	switch filter.Role {
	case models.RoleBuyer:
		query += "buyer_id = $1"
	case models.RoleSeller:
		query += "seller_id = $1"
	default:
		query += "(buyer_id = $1 OR seller_id = $1)"
	}

	terminal := make([]string, 0, len(models.TerminalTradeStatuses))
	for _, st := range models.TerminalTradeStatuses {
		terminal = append(terminal, string(st))
	}
	switch filter.StatusClass {
	case models.StatusClassActive:
		query += " AND NOT (status = ANY($2))"
		args = append(args, pq.Array(terminal))
	case models.StatusClassHistory:
		query += " AND status = ANY($2)"
		args = append(args, pq.Array(terminal))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var trades []models.Trade
	if err := s.db.SelectContext(ctx, &trades, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// UpdateTrade persists trade if nobody changed it since it was read.
// On success trade.Version is advanced.
func (s *Store) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	return updateTrade(ctx, s.db, trade)
}

func updateTrade(ctx context.Context, ex sqlx.ExtContext, trade *models.Trade) error {
	query := `
		UPDATE trades
		SET price = $1, price_history = $2, status = $3, status_history = $4,
			external_ref = $5, cancel_reason = $6, offer_id = $7,
			version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`

	res, err := ex.ExecContext(ctx, query,
		trade.Price, trade.PriceHistory, trade.Status, trade.StatusHistory,
		trade.ExternalRef, trade.CancelReason, trade.OfferID, trade.UpdatedAt,
		trade.ID, trade.Version)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := sqlx.GetContext(ctx, ex, &exists, "SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)", trade.ID); err != nil {
			return fmt.Errorf("failed to check trade: %w", err)
		}
		if !exists {
			return apperror.NotFound("trade not found: %s", trade.ID)
		}
		return ErrStaleVersion
	}

	trade.Version++
	return nil
}

// FindStaleTrades returns trades sitting in one of statuses since before updatedBefore
func (s *Store) FindStaleTrades(ctx context.Context, statuses []models.TradeStatus, updatedBefore time.Time, limit int) ([]models.Trade, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	var trades []models.Trade
	err := s.db.SelectContext(ctx, &trades,
		"SELECT "+tradeColumns+" FROM trades WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at LIMIT $3",
		pq.Array(names), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale trades: %w", err)
	}
	return trades, nil
}
