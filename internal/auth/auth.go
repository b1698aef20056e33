// Package auth resolves the caller's identity from a bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"trade-service/internal/apperror"
	"trade-service/internal/models"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user behind a request
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	TradeURL    string `json:"trade_url,omitempty"`
}

// Party converts the identity into a trade party
func (i Identity) Party() models.Party {
	return models.Party{
		UserID:      i.UserID,
		DisplayName: i.DisplayName,
		Avatar:      i.Avatar,
		TradeURL:    i.TradeURL,
	}
}

// Claims is the token payload
type Claims struct {
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	TradeURL string `json:"trade_url,omitempty"`
	jwt.RegisteredClaims
}

// Config configures token verification
type Config struct {
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
	TokenTTL   time.Duration
}

// Authenticator verifies and issues HS256 tokens
type Authenticator struct {
	cfg    Config
	secret []byte
}

// NewAuthenticator creates a new Authenticator
func NewAuthenticator(cfg Config) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Verify parses tokenString and returns the identity it carries
func (a *Authenticator) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, apperror.New(apperror.KindUnauthorized, "missing bearer token")
	}
	if len(a.secret) == 0 {
		return nil, apperror.Wrap(apperror.KindUnauthorized, errors.New("auth secret not configured"), "invalid token")
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindUnauthorized, err, "invalid token")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, apperror.New(apperror.KindUnauthorized, "invalid token")
	}

	id := &Identity{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		Avatar:      claims.Avatar,
		TradeURL:    claims.TradeURL,
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id, nil
}

// Issue signs a token for id. Used by the dev tooling and tests.
func (a *Authenticator) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:     id.DisplayName,
		Avatar:   id.Avatar,
		TradeURL: id.TradeURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ExtractBearer returns the token from an Authorization header value
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

type contextKey struct{}

// WithIdentity stores id in ctx
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

var tradeURLPath = regexp.MustCompile(`^/tradeoffer/new/?$`)

// ValidateTradeURL checks that raw looks like a Steam trade offer link with
// partner and token parameters.
func ValidateTradeURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" {
		return apperror.Validation("trade URL must be an https link")
	}
	if u.Host != "steamcommunity.com" && u.Host != "www.steamcommunity.com" {
		return apperror.Validation("trade URL must point to steamcommunity.com")
	}
	if !tradeURLPath.MatchString(u.Path) {
		return apperror.Validation("trade URL must be a tradeoffer/new link")
	}
	q := u.Query()
	if q.Get("partner") == "" || q.Get("token") == "" {
		return apperror.Validation("trade URL is missing partner or token")
	}
	return nil
}
