package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema is the Postgres DDL the store expects to exist
//
//go:embed schema.sql
var Schema string

// ErrStaleVersion is returned when a compare-and-set update lost a race
var ErrStaleVersion = apperror.New(apperror.KindInvalidTransition, "trade was modified concurrently; refetch and retry")

// IsStaleVersion reports whether err is a lost trade compare-and-set
func IsStaleVersion(err error) bool {
	var e *apperror.Error
	return errors.As(err, &e) && e == ErrStaleVersion
}

// ErrOfferStatusChanged is returned when an offer was answered concurrently
var ErrOfferStatusChanged = apperror.New(apperror.KindInvalidTransition, "offer was modified concurrently; refetch and retry")

// ErrDuplicateOffer is returned when the proposer already has an unresolved offer on the item
var ErrDuplicateOffer = apperror.New(apperror.KindConflict, "an unresolved offer for this item already exists")

// OfferRole narrows offer lists to sent or received offers
type OfferRole string

const (
	OfferRoleAny       OfferRole = ""
	OfferRoleProposer  OfferRole = "sent"
	OfferRoleRecipient OfferRole = "received"
)

// OfferChange is a set of offer and trade writes applied atomically.
// The offer is inserted when NewOffer is set, otherwise updated only if it is
// still in ExpectedStatus. A non-nil Trade is inserted when NewTrade is set,
// otherwise updated with a compare-and-set on its Version.
type OfferChange struct {
	Offer          *models.Offer
	NewOffer       bool
	ExpectedStatus models.OfferStatus

	Trade    *models.Trade
	NewTrade bool
}

// Store persists trades and offers in Postgres
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ApplyOfferChange writes the offer and trade in one transaction
func (s *Store) ApplyOfferChange(ctx context.Context, change *OfferChange) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if change.Offer != nil {
		if change.NewOffer {
			err = insertOffer(ctx, tx, change.Offer)
		} else {
			err = updateOffer(ctx, tx, change.Offer, change.ExpectedStatus)
		}
		if err != nil {
			return err
		}
	}

	if change.Trade != nil {
		if change.NewTrade {
			err = insertTrade(ctx, tx, change.Trade)
		} else {
			err = updateTrade(ctx, tx, change.Trade)
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit offer change: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
