// Package items talks to the item inventory and item-transfer collaborator.
// Both sit behind the same upstream HTTP service; this package treats it as
// untrusted and possibly slow.
package items

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"
	"trade-service/internal/retry"

	"go.uber.org/zap"
)

// APIError is a non-2xx answer from the item service
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("item service error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client calls the item service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger

	maxAttempts int
	schedule    retry.Schedule
}

// ClientOption configures a Client
type ClientOption func(*Client)

// NewClient creates a new item service client
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:      zap.NewNop(),
		maxAttempts: 3,
		schedule:    retry.Exponential(200*time.Millisecond, 2*time.Second),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration
func WithRetries(maxAttempts int, schedule retry.Schedule) ClientOption {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.schedule = schedule
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// GetListing loads a listing with its item snapshot and seller
func (c *Client) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	var listing models.Listing
	err := c.do(ctx, http.MethodGet, "/listings/"+url.PathEscape(listingID), nil, &listing)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, apperror.NotFound("listing not found: %s", listingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &listing, nil
}

// TransferRequest asks the collaborator to move an item to a trade destination
type TransferRequest struct {
	TradeID      string `json:"trade_id"`
	AssetID      string `json:"asset_id"`
	FromUserID   string `json:"from_user_id"`
	ToTradeURL   string `json:"to_trade_url"`
	OfferMessage string `json:"offer_message,omitempty"`
}

// RequestTransfer submits a transfer; the collaborator processes it asynchronously
func (c *Client) RequestTransfer(ctx context.Context, req TransferRequest) error {
	if err := c.do(ctx, http.MethodPost, "/transfers", req, nil); err != nil {
		return fmt.Errorf("failed to request transfer: %w", err)
	}
	return nil
}

type holdingResponse struct {
	AssetID   string `json:"asset_id"`
	InHolding *bool  `json:"in_holding"`
}

// TransferState reports whether assetID has left ownerID's holding
func (c *Client) TransferState(ctx context.Context, assetID, ownerID string) (models.TransferState, error) {
	path := fmt.Sprintf("/items/%s/holding?owner=%s", url.PathEscape(assetID), url.QueryEscape(ownerID))

	var resp holdingResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return models.TransferStateUnknown, fmt.Errorf("failed to query holding: %w", err)
	}
	if resp.InHolding == nil {
		return models.TransferStateUnknown, nil
	}
	if *resp.InHolding {
		return models.TransferStateNotTransferred, nil
	}
	return models.TransferStateTransferred, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var respBody []byte
	err := retry.DoNotify(ctx, func(ctx context.Context) error {
		b, err := c.doRequest(ctx, method, path, payload)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				return retry.Permanent(err)
			}
			return err
		}
		respBody = b
		return nil
	}, c.maxAttempts, c.schedule, func(err error, delay time.Duration) {
		c.logger.Debug("retrying item service request",
			zap.String("path", path),
			zap.Duration("backoff", delay),
			zap.Error(err))
	})
	if err != nil {
		return err
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}
