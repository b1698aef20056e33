package items

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"
	"trade-service/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient(url string) *Client {
	return NewClient(url, "svc-key", WithRetries(3, retry.Fixed(time.Millisecond)))
}

func TestGetListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listings/l-1", r.URL.Path)
		assert.Equal(t, "Bearer svc-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(models.Listing{
			ID:     "l-1",
			Item:   models.ItemSnapshot{AssetID: "a-1", Name: "AK-47 | Redline"},
			Seller: models.Party{UserID: "seller"},
			Price:  models.Money{Amount: 10000, Currency: "USD"},
		})
	}))
	defer srv.Close()

	listing, err := fastClient(srv.URL).GetListing(context.Background(), "l-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", listing.Item.AssetID)
	assert.Equal(t, "seller", listing.Seller.UserID)
	assert.Equal(t, int64(10000), listing.Price.Amount)
}

func TestGetListingNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).GetListing(context.Background(), "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestRequestTransferRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req TransferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t-1", req.TradeID)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := fastClient(srv.URL).RequestTransfer(context.Background(), TransferRequest{TradeID: "t-1", AssetID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRequestTransferGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := fastClient(srv.URL).RequestTransfer(context.Background(), TransferRequest{TradeID: "t-1"})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTransferState(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.TransferState
	}{
		{"still held", `{"asset_id":"a-1","in_holding":true}`, models.TransferStateNotTransferred},
		{"moved", `{"asset_id":"a-1","in_holding":false}`, models.TransferStateTransferred},
		{"no answer", `{"asset_id":"a-1"}`, models.TransferStateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/items/a-1/holding", r.URL.Path)
				assert.Equal(t, "seller", r.URL.Query().Get("owner"))
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			state, err := fastClient(srv.URL).TransferState(context.Background(), "a-1", "seller")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestTransferStateHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	state, err := fastClient(srv.URL).TransferState(ctx, "a-1", "seller")
	assert.Error(t, err)
	assert.Equal(t, models.TransferStateUnknown, state)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAPIErrorIsRetryable(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 500}).IsRetryable())
	assert.True(t, (&APIError{StatusCode: 429}).IsRetryable())
	assert.False(t, (&APIError{StatusCode: 400}).IsRetryable())
	assert.False(t, (&APIError{StatusCode: 404}).IsRetryable())
}
