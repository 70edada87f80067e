package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/cache"
)

// capturePublisher records publications for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Name    string
	Payload map[string]interface{}
}

func (p *capturePublisher) Publish(_ context.Context, name string, payload map[string]interface{}, _ map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{Name: name, Payload: payload})
	return nil
}

func (p *capturePublisher) captured() []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capturedEvent, len(p.events))
	copy(out, p.events)
	return out
}

func newTestTokenService(t *testing.T, accessTTL time.Duration) (*TokenService, *capturePublisher) {
	t.Helper()
	c := cache.NewService(cache.NewMemoryBackend(), "test", time.Minute)
	pub := &capturePublisher{}
	return NewTokenService("unit-test-secret", "driveline", accessTTL, 24*time.Hour, c, pub), pub
}

func TestCreateTokenPairRoundTrip(t *testing.T) {
	svc, _ := newTestTokenService(t, 30*time.Minute)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair("user-1", "manager", []string{"catalog:read"}, map[string]interface{}{"company": "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), pair.ExpiresAt, 5*time.Second)

	claims, err := svc.ValidateToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "manager", claims.Role)
	assert.Equal(t, []string{"catalog:read"}, claims.Permissions)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
	assert.Equal(t, "driveline", claims.Issuer)
	assert.Equal(t, "acme", claims.UserData["company"])
	assert.NotEmpty(t, claims.ID)

	refreshClaims, err := svc.ValidateToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, refreshClaims.TokenType)
	assert.NotEqual(t, claims.ID, refreshClaims.ID)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuing, _ := newTestTokenService(t, time.Hour)
	verifying := NewTokenService("a-different-secret", "driveline", time.Hour, 24*time.Hour, nil, nil)

	pair, err := issuing.CreateTokenPair("user-1", "member", nil, nil)
	require.NoError(t, err)

	_, err = verifying.ValidateToken(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc, _ := newTestTokenService(t, -time.Minute)

	pair, err := svc.CreateTokenPair("user-1", "member", nil, nil)
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestTokenService(t, time.Hour)

	_, err := svc.ValidateToken(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeTokenBlacklistsAndPublishes(t *testing.T) {
	svc, pub := newTestTokenService(t, time.Hour)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair("user-1", "member", nil, nil)
	require.NoError(t, err)

	_, err = svc.ValidateToken(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, pair.AccessToken, "user-1", "logout"))

	_, err = svc.ValidateToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrRevokedToken)

	events := pub.captured()
	require.Len(t, events, 1)
	assert.Equal(t, "security.token_revoked", events[0].Name)
	assert.Equal(t, "user-1", events[0].Payload["user_id"])
	assert.Equal(t, "logout", events[0].Payload["reason"])
	assert.NotEmpty(t, events[0].Payload["jti"])
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	svc, pub := newTestTokenService(t, -time.Minute)

	pair, err := svc.CreateTokenPair("user-1", "member", nil, nil)
	require.NoError(t, err)

	assert.NoError(t, svc.RevokeToken(context.Background(), pair.AccessToken, "user-1", "logout"))
	assert.Empty(t, pub.captured())
}

func TestRefreshTokensRequiresRefreshType(t *testing.T) {
	svc, _ := newTestTokenService(t, time.Hour)

	pair, err := svc.CreateTokenPair("user-1", "member", nil, nil)
	require.NoError(t, err)

	_, err = svc.RefreshTokens(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestRefreshTokensRotates(t *testing.T) {
	svc, pub := newTestTokenService(t, time.Hour)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair("user-1", "manager", []string{"catalog:read"}, nil)
	require.NoError(t, err)

	fresh, err := svc.RefreshTokens(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, fresh.AccessToken)
	require.NotEmpty(t, fresh.RefreshToken)

	// The spent refresh token is blacklisted.
	_, err = svc.ValidateToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRevokedToken)

	claims, err := svc.ValidateToken(ctx, fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "manager", claims.Role)

	events := pub.captured()
	require.Len(t, events, 1)
	assert.Equal(t, "rotated", events[0].Payload["reason"])
}

func TestCreateResetToken(t *testing.T) {
	svc, _ := newTestTokenService(t, time.Hour)

	token, err := svc.CreateResetToken("user-1")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeReset, claims.TokenType)
	assert.Equal(t, "user-1", claims.UserID())
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}
