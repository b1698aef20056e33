// Package client is the Go SDK for the trade service: REST calls, the push
// channel, a local trade cache and the reconciler that merges all three.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"
	"trade-service/internal/retry"

	"go.uber.org/zap"
)

// TransitionPayload is the body of a transition request
type TransitionPayload struct {
	Action        string        `json:"action"`
	Reason        string        `json:"reason,omitempty"`
	ExternalRef   string        `json:"external_ref,omitempty"`
	CounterAmount *models.Money `json:"counter_amount,omitempty"`
}

// GatewayClient calls the trade service REST API
type GatewayClient struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	logger      *zap.Logger
	maxAttempts int
	schedule    retry.Schedule
}

// GatewayOption configures a GatewayClient
type GatewayOption func(*GatewayClient)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) GatewayOption {
	return func(g *GatewayClient) {
		g.httpClient = hc
	}
}

// WithReadRetries sets how reads are retried; writes are never retried
func WithReadRetries(maxAttempts int, schedule retry.Schedule) GatewayOption {
	return func(g *GatewayClient) {
		g.maxAttempts = maxAttempts
		g.schedule = schedule
	}
}

// NewGatewayClient creates a new GatewayClient
func NewGatewayClient(baseURL, token string, logger *zap.Logger, opts ...GatewayOption) *GatewayClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &GatewayClient{
		baseURL:     baseURL,
		token:       token,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		schedule:    retry.Steps(250*time.Millisecond, time.Second, 2*time.Second),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateTrade buys a listing; idempotencyKey may be empty
func (g *GatewayClient) CreateTrade(ctx context.Context, listingID, idempotencyKey string) (*models.Trade, error) {
	var trade models.Trade
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	if err := g.send(ctx, http.MethodPost, "/api/v1/trades", map[string]string{"listing_id": listingID}, &trade, headers); err != nil {
		return nil, err
	}
	return &trade, nil
}

// GetTrade fetches the authoritative trade record
func (g *GatewayClient) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	var trade models.Trade
	if err := g.read(ctx, "/api/v1/trades/"+url.PathEscape(id), &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

// ListTrades fetches the caller's trade summaries
func (g *GatewayClient) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.TradeSummary, error) {
	q := url.Values{}
	if filter.Role != models.RoleNone {
		q.Set("role", string(filter.Role))
	}
	if filter.StatusClass != models.StatusClassAll {
		q.Set("status", string(filter.StatusClass))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/v1/trades"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Trades []models.TradeSummary `json:"trades"`
	}
	if err := g.read(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

// Transition applies an action to a trade
func (g *GatewayClient) Transition(ctx context.Context, id string, payload TransitionPayload) (*models.Trade, error) {
	var trade models.Trade
	if err := g.send(ctx, http.MethodPost, "/api/v1/trades/"+url.PathEscape(id)+"/transitions", payload, &trade, nil); err != nil {
		return nil, err
	}
	return &trade, nil
}

// VerifyTransfer asks whether the item has left the seller's holding
func (g *GatewayClient) VerifyTransfer(ctx context.Context, id string) (*models.TransferCheck, error) {
	var check models.TransferCheck
	if err := g.read(ctx, "/api/v1/trades/"+url.PathEscape(id)+"/verify-transfer", &check); err != nil {
		return nil, err
	}
	return &check, nil
}

// read retries GETs on transport failures and 5xx answers
func (g *GatewayClient) read(ctx context.Context, path string, result interface{}) error {
	return retry.DoNotify(ctx, func(ctx context.Context) error {
		err := g.send(ctx, http.MethodGet, path, nil, result, nil)
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	}, g.maxAttempts, g.schedule, func(err error, delay time.Duration) {
		g.logger.Debug("retrying gateway read",
			zap.String("path", path),
			zap.Duration("backoff", delay),
			zap.Error(err))
	})
}

func retryable(err error) bool {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return true
	}
	return appErr.Kind == apperror.KindInternal || appErr.Kind == apperror.KindDegraded
}

func (g *GatewayClient) send(ctx context.Context, method, path string, body, result interface{}, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, respBody)
	}
	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// decodeError turns an error body back into a typed error
func decodeError(status int, body []byte) error {
	var resp struct {
		Error   apperror.Kind `json:"error"`
		Message string        `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		kind := apperror.KindInternal
		switch {
		case status == http.StatusUnauthorized:
			kind = apperror.KindUnauthorized
		case status == http.StatusNotFound:
			kind = apperror.KindNotFound
		case status == http.StatusTooManyRequests:
			kind = apperror.KindRateLimited
		}
		return apperror.New(kind, "HTTP %d: %s", status, string(body))
	}
	return &apperror.Error{Kind: resp.Error, Message: resp.Message}
}
