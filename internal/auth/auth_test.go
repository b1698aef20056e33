package auth

import (
	"context"
	"testing"
	"time"

	"trade-service/internal/apperror"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	a := NewAuthenticator(Config{HMACSecret: "secret", Issuer: "trade-service"})

	token, err := a.Issue(Identity{UserID: "u-1", DisplayName: "alice", TradeURL: "https://steamcommunity.com/tradeoffer/new/?partner=1&token=x"})
	require.NoError(t, err)

	id, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.UserID)
	assert.Equal(t, "alice", id.DisplayName)
	assert.Equal(t, "u-1", id.Party().UserID)
}

func TestVerifyRejects(t *testing.T) {
	a := NewAuthenticator(Config{HMACSecret: "secret", Issuer: "trade-service"})
	other := NewAuthenticator(Config{HMACSecret: "other", Issuer: "trade-service"})
	foreign, err := other.Issue(Identity{UserID: "u-1"})
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u-1",
		Issuer:    "trade-service",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}})
	expiredToken, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: "trade-service",
	}}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":      "",
		"garbage":    "not-a-token",
		"wrong key":  foreign,
		"expired":    expiredToken,
		"no subject": noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(token)
			assert.ErrorIs(t, err, apperror.ErrUnauthorized)
		})
	}
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearer("bearer  abc "))
	assert.Equal(t, "", ExtractBearer("Basic abc"))
	assert.Equal(t, "", ExtractBearer(""))
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &Identity{UserID: "u-1"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u-1", id.UserID)
}

func TestValidateTradeURL(t *testing.T) {
	valid := []string{
		"https://steamcommunity.com/tradeoffer/new/?partner=12345&token=AbCd",
		"https://www.steamcommunity.com/tradeoffer/new?partner=1&token=z",
	}
	for _, u := range valid {
		assert.NoError(t, ValidateTradeURL(u), u)
	}

	invalid := []string{
		"",
		"http://steamcommunity.com/tradeoffer/new/?partner=1&token=z",
		"https://evil.example.com/tradeoffer/new/?partner=1&token=z",
		"https://steamcommunity.com/profiles/123",
		"https://steamcommunity.com/tradeoffer/new/?partner=1",
	}
	for _, u := range invalid {
		assert.ErrorIs(t, ValidateTradeURL(u), apperror.ErrValidation, u)
	}
}
