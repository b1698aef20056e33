package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"
)

// MemoryStore keeps trades and offers in process memory.
// It honours the same compare-and-set and uniqueness rules as Store and is
// used for local development (STORE_DRIVER=memory) and tests.
type MemoryStore struct {
	mu     sync.Mutex
	trades map[string]*models.Trade
	offers map[string]*models.Offer
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*models.Trade),
		offers: make(map[string]*models.Offer),
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

// CreateTrade inserts a new trade
func (m *MemoryStore) CreateTrade(ctx context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTrade(trade)
}

func (m *MemoryStore) insertTrade(trade *models.Trade) error {
	if _, ok := m.trades[trade.ID]; ok {
		return apperror.New(apperror.KindConflict, "trade already exists: %s", trade.ID)
	}
	if trade.Version == 0 {
		trade.Version = 1
	}
	m.trades[trade.ID] = trade.Clone()
	return nil
}

// GetTrade retrieves a trade by ID
func (m *MemoryStore) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, apperror.NotFound("trade not found: %s", id)
	}
	return t.Clone(), nil
}

// ListTradesByUser retrieves trades where userID is a party, newest first
func (m *MemoryStore) ListTradesByUser(ctx context.Context, userID string, filter models.TradeFilter) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Trade
	for _, t := range m.trades {
		switch filter.Role {
		case models.RoleBuyer:
			if t.Buyer.UserID != userID {
				continue
			}
		case models.RoleSeller:
			if t.Seller.UserID != userID {
				continue
			}
		default:
			if !t.IsParty(userID) {
				continue
			}
		}

		switch filter.StatusClass {
		case models.StatusClassActive:
			if t.Status.IsTerminal() {
				continue
			}
		case models.StatusClassHistory:
			if !t.Status.IsTerminal() {
				continue
			}
		}
		out = append(out, *t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateTrade persists trade if nobody changed it since it was read
func (m *MemoryStore) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTrade(trade)
}

func (m *MemoryStore) checkTrade(trade *models.Trade) error {
	cur, ok := m.trades[trade.ID]
	if !ok {
		return apperror.NotFound("trade not found: %s", trade.ID)
	}
	if cur.Version != trade.Version {
		return ErrStaleVersion
	}
	return nil
}

func (m *MemoryStore) updateTrade(trade *models.Trade) error {
	if err := m.checkTrade(trade); err != nil {
		return err
	}
	trade.Version++
	m.trades[trade.ID] = trade.Clone()
	return nil
}

// FindStaleTrades returns trades sitting in one of statuses since before updatedBefore
func (m *MemoryStore) FindStaleTrades(ctx context.Context, statuses []models.TradeStatus, updatedBefore time.Time, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Trade
	for _, t := range m.trades {
		if !statusIn(t.Status, statuses) || !t.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateOffer inserts a new offer
func (m *MemoryStore) CreateOffer(ctx context.Context, offer *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertOffer(offer)
}

func (m *MemoryStore) checkNewOffer(offer *models.Offer) error {
	if offer.Unresolved() {
		for _, o := range m.offers {
			if o.Unresolved() && o.ProposerID == offer.ProposerID && o.Item.AssetID == offer.Item.AssetID {
				return ErrDuplicateOffer
			}
		}
	}
	return nil
}

func (m *MemoryStore) insertOffer(offer *models.Offer) error {
	if err := m.checkNewOffer(offer); err != nil {
		return err
	}
	m.offers[offer.ID] = cloneOffer(offer)
	return nil
}

// GetOffer retrieves an offer by ID
func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, apperror.NotFound("offer not found: %s", id)
	}
	return cloneOffer(o), nil
}

// GetOfferByTrade retrieves the unresolved counter-offer attached to a trade
func (m *MemoryStore) GetOfferByTrade(ctx context.Context, tradeID string) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *models.Offer
	for _, o := range m.offers {
		if o.TradeID == tradeID && o.Unresolved() {
			if found == nil || o.CreatedAt.After(found.CreatedAt) {
				found = o
			}
		}
	}
	if found == nil {
		return nil, apperror.NotFound("no open offer for trade: %s", tradeID)
	}
	return cloneOffer(found), nil
}

// ListOffersByUser retrieves offers sent or received by userID, newest first
func (m *MemoryStore) ListOffersByUser(ctx context.Context, userID string, role OfferRole, limit int) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Offer
	for _, o := range m.offers {
		switch role {
		case OfferRoleProposer:
			if o.ProposerID != userID {
				continue
			}
		case OfferRoleRecipient:
			if o.RecipientID != userID {
				continue
			}
		default:
			if o.ProposerID != userID && o.RecipientID != userID {
				continue
			}
		}
		out = append(out, *cloneOffer(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateOffer persists offer if it is still in expected status
func (m *MemoryStore) UpdateOffer(ctx context.Context, offer *models.Offer, expected models.OfferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateOffer(offer, expected)
}

func (m *MemoryStore) checkOffer(offer *models.Offer, expected models.OfferStatus) error {
	cur, ok := m.offers[offer.ID]
	if !ok {
		return apperror.NotFound("offer not found: %s", offer.ID)
	}
	if cur.Status != expected {
		return ErrOfferStatusChanged
	}
	return nil
}

func (m *MemoryStore) updateOffer(offer *models.Offer, expected models.OfferStatus) error {
	if err := m.checkOffer(offer, expected); err != nil {
		return err
	}
	m.offers[offer.ID] = cloneOffer(offer)
	return nil
}

// FindExpiredOffers returns unresolved offers whose expiry has passed
func (m *MemoryStore) FindExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Offer
	for _, o := range m.offers {
		if o.Unresolved() && o.ExpiresAt.Before(now) {
			out = append(out, *cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyOfferChange validates every write first, then applies them all
func (m *MemoryStore) ApplyOfferChange(ctx context.Context, change *OfferChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if change.Offer != nil {
		var err error
		if change.NewOffer {
			err = m.checkNewOffer(change.Offer)
		} else {
			err = m.checkOffer(change.Offer, change.ExpectedStatus)
		}
		if err != nil {
			return err
		}
	}
	if change.Trade != nil {
		if change.NewTrade {
			if _, ok := m.trades[change.Trade.ID]; ok {
				return apperror.New(apperror.KindConflict, "trade already exists: %s", change.Trade.ID)
			}
		} else if err := m.checkTrade(change.Trade); err != nil {
			return err
		}
	}

	if change.Offer != nil {
		m.offers[change.Offer.ID] = cloneOffer(change.Offer)
	}
	if change.Trade != nil {
		if change.NewTrade {
			return m.insertTrade(change.Trade)
		}
		return m.updateTrade(change.Trade)
	}
	return nil
}

func cloneOffer(o *models.Offer) *models.Offer {
	c := *o
	if o.CounterAmount != nil {
		amt := *o.CounterAmount
		c.CounterAmount = &amt
	}
	return &c
}

func statusIn(s models.TradeStatus, statuses []models.TradeStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
