package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/auth"
	"trade-service/internal/items"
	"trade-service/internal/models"
	"trade-service/internal/realtime"
	"trade-service/internal/service"
	"trade-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tradeURL = "https://steamcommunity.com/tradeoffer/new/?partner=12345&token=AbCd"

var (
	buyer  = auth.Identity{UserID: "buyer-1", DisplayName: "buyer", TradeURL: tradeURL}
	seller = auth.Identity{UserID: "seller-1", DisplayName: "seller", TradeURL: tradeURL}
)

type stubItems struct{}

func (stubItems) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	if listingID != "listing-1" {
		return nil, apperror.NotFound("listing not found: %s", listingID)
	}
	return &models.Listing{
		ID:     listingID,
		Item:   models.ItemSnapshot{AssetID: "asset-1", Name: "AWP | Asiimov"},
		Seller: seller.Party(),
		Price:  models.Money{Amount: 10000, Currency: "USD"},
	}, nil
}

func (stubItems) RequestTransfer(ctx context.Context, req items.TransferRequest) error {
	return nil
}

func (stubItems) TransferState(ctx context.Context, assetID, ownerID string) (models.TransferState, error) {
	return models.TransferStateNotTransferred, nil
}

type testServer struct {
	router        *gin.Engine
	handler       *Handler
	authenticator *auth.Authenticator
}

func newTestServer(t *testing.T, limit RateLimit) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := store.NewMemoryStore()
	cfg := service.Config{
		OfferTTL:       time.Hour,
		VerifyTimeout:  time.Second,
		VerifyCacheTTL: time.Minute,
		IdempotencyTTL: time.Hour,
	}
	coord := service.NewLocalCoordinator()
	trades := service.NewTradeService(repo, stubItems{}, nil, coord, cfg)
	offers := service.NewOfferService(repo, stubItems{}, nil, coord, trades, cfg)
	t.Cleanup(trades.Close)

	hub, err := realtime.NewHub(realtime.Config{}, trades.GetTrade)
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	authenticator := auth.NewAuthenticator(auth.Config{HMACSecret: "test-secret"})
	handler := NewHandler(trades, offers, hub, authenticator, NewRateLimiter(limit))

	router := gin.New()
	handler.SetupRoutes(router)
	return &testServer{router: router, handler: handler, authenticator: authenticator}
}

func (s *testServer) do(t *testing.T, who *auth.Identity, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		token, err := s.authenticator.Issue(*who)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func generous() RateLimit {
	return RateLimit{RequestsPerMinute: 6000, Burst: 100}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, generous())

	w := s.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.handler.AddReadinessCheck("database", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	w = s.do(t, nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t, generous())

	w := s.do(t, nil, http.MethodGet, "/api/v1/trades", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperror.KindUnauthorized, decode[ErrorResponse](t, w).Error)

	w = s.do(t, nil, http.MethodGet, "/api/v1/trades", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTradeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, generous())

	w := s.do(t, &buyer, http.MethodPost, "/api/v1/trades", gin.H{"listing_id": "listing-1"}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	trade := decode[models.Trade](t, w)
	assert.Equal(t, models.TradeStatusAwaitingSeller, trade.Status)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/trades", gin.H{"listing_id": "listing-1"}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, trade.ID, decode[models.Trade](t, w).ID)

	w = s.do(t, &seller, http.MethodGet, "/api/v1/trades/"+trade.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	stranger := auth.Identity{UserID: "stranger"}
	w = s.do(t, &stranger, http.MethodGet, "/api/v1/trades/"+trade.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/trades/"+trade.ID+"/transitions", gin.H{"action": "seller-initiate"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperror.KindUnauthorized, decode[ErrorResponse](t, w).Error)

	w = s.do(t, &seller, http.MethodPost, "/api/v1/trades/"+trade.ID+"/transitions",
		gin.H{"action": "seller-confirm-sent", "external_ref": "TO-12345"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.TradeStatusAwaitingBuyer, decode[models.Trade](t, w).Status)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/trades/"+trade.ID+"/transitions", gin.H{"action": "seller-initiate"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/trades/"+trade.ID+"/transitions", gin.H{"action": "buyer-confirm"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/trades/"+trade.ID+"/transitions", gin.H{"action": "buyer-confirm"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.KindAlreadyTerminal, decode[ErrorResponse](t, w).Error)

	w = s.do(t, &buyer, http.MethodGet, "/api/v1/trades?status=history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Trades []models.TradeSummary `json:"trades"`
	}](t, w)
	require.Len(t, list.Trades, 1)
	assert.Equal(t, models.TradeStatusCompleted, list.Trades[0].Status)

	w = s.do(t, &buyer, http.MethodGet, "/api/v1/trades/"+trade.ID+"/verify-transfer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TransferStateNotTransferred, decode[models.TransferCheck](t, w).State)
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t, generous())

	w := s.do(t, &buyer, http.MethodPost, "/api/v1/trades", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperror.KindValidation, decode[ErrorResponse](t, w).Error)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/trades", gin.H{"listing_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, &buyer, http.MethodGet, "/api/v1/trades?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, &buyer, http.MethodGet, "/api/v1/trades?role=admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOfferFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, generous())

	w := s.do(t, &buyer, http.MethodPost, "/api/v1/offers", gin.H{
		"listing_id": "listing-1",
		"amount":     gin.H{"amount": 8000, "currency": "USD"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offer := decode[models.Offer](t, w)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/offers", gin.H{
		"listing_id": "listing-1",
		"amount":     gin.H{"amount": 8500, "currency": "USD"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, &seller, http.MethodGet, "/api/v1/offers?role=received", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), offer.ID)

	w = s.do(t, &seller, http.MethodPost, "/api/v1/offers/"+offer.ID+"/counter", gin.H{
		"amount": gin.H{"amount": 9000, "currency": "USD"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/offers/"+offer.ID+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[service.OfferResult](t, w)
	require.NotNil(t, result.Trade)
	assert.Equal(t, int64(9000), result.Trade.Price.Amount)

	w = s.do(t, &buyer, http.MethodPost, "/api/v1/offers/"+offer.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, RateLimit{RequestsPerMinute: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		w := s.do(t, &buyer, http.MethodPost, "/api/v1/trades", gin.H{"listing_id": "nope"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	w := s.do(t, &buyer, http.MethodPost, "/api/v1/trades", gin.H{"listing_id": "nope"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, apperror.KindRateLimited, decode[ErrorResponse](t, w).Error)

	// reads are not limited and other users have their own allowance
	w = s.do(t, &buyer, http.MethodGet, "/api/v1/trades", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, &seller, http.MethodPost, "/api/v1/trades", gin.H{"listing_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimiterPrunesIdleVisitors(t *testing.T) {
	r := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1})
	now := time.Now()
	r.clockNow = func() time.Time { return now }

	assert.True(t, r.allow("a"))
	assert.False(t, r.allow("a"))

	now = now.Add(time.Hour)
	assert.True(t, r.allow("b"))
	r.mu.Lock()
	_, ok := r.visitors["a"]
	r.mu.Unlock()
	assert.False(t, ok)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(apperror.KindInvalidTransition))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(apperror.KindDegraded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor("mystery"))
}
