package service

import (
	"context"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"
	"trade-service/internal/statemachine"
	"trade-service/internal/util"

	"go.uber.org/zap"
)

// SweepConfig holds the deadlines the sweeper enforces
type SweepConfig struct {
	SellerResponseTimeout time.Duration
	TransferTimeout       time.Duration
	BatchSize             int
}

// SweepResult counts what one sweep changed
type SweepResult struct {
	OffersExpired int `json:"offers_expired"`
	TradesExpired int `json:"trades_expired"`
	TradesFailed  int `json:"trades_failed"`
}

// Sweeper closes offers and trades that waited too long
type Sweeper struct {
	repo   Repository
	trades *TradeService
	offers *OfferService
	cfg    SweepConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSweeper creates a new sweeper
func NewSweeper(repo Repository, trades *TradeService, offers *OfferService, cfg SweepConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		repo:   repo,
		trades: trades,
		offers: offers,
		cfg:    cfg,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Sweep runs one pass. Items another writer changed in the meantime are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (result SweepResult, err error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.Sweep")
	defer func() {
		util.RecordError(span, err)
		span.End()
	}()

	now := s.now().UTC()

	offers, err := s.repo.FindExpiredOffers(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return result, err
	}
	for i := range offers {
		if err := s.offers.ExpireOffer(ctx, &offers[i]); err != nil {
			s.skip("offer", offers[i].ID, err)
			continue
		}
		result.OffersExpired++
		util.SweptTotal.WithLabelValues("offer", "expire").Inc()
	}

	waiting := []models.TradeStatus{models.TradeStatusAwaitingSeller, models.TradeStatusAwaitingConfirmation}
	expired, err := s.sweepTrades(ctx, waiting, now.Add(-s.cfg.SellerResponseTimeout),
		statemachine.ActionExpire, "no response from the seller")
	result.TradesExpired = expired
	if err != nil {
		return result, err
	}

	failed, err := s.sweepTrades(ctx, []models.TradeStatus{models.TradeStatusOfferSent}, now.Add(-s.cfg.TransferTimeout),
		statemachine.ActionFail, "item was not sent in time")
	result.TradesFailed = failed
	if err != nil {
		return result, err
	}

	if result != (SweepResult{}) {
		s.logger.Info("Sweep finished",
			zap.Int("offers_expired", result.OffersExpired),
			zap.Int("trades_expired", result.TradesExpired),
			zap.Int("trades_failed", result.TradesFailed))
	}
	return result, nil
}

func (s *Sweeper) sweepTrades(ctx context.Context, statuses []models.TradeStatus, before time.Time, action statemachine.Action, note string) (int, error) {
	trades, err := s.repo.FindStaleTrades(ctx, statuses, before, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range trades {
		if _, err := s.trades.SystemTransition(ctx, t.ID, action, note); err != nil {
			s.skip("trade", t.ID, err)
			continue
		}
		n++
		util.SweptTotal.WithLabelValues("trade", string(action)).Inc()
	}
	return n, nil
}

func (s *Sweeper) skip(kind, id string, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindInvalidTransition, apperror.KindAlreadyTerminal:
		s.logger.Debug("Sweep skipped item that moved on", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	default:
		s.logger.Warn("Sweep failed for item", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
}
