// Package security implements the security core: token issuance and
// validation with a cache-backed blacklist, password hashing and
// policy, API keys, field-level encryption with key rotation, CSRF
// tokens and request guards.
package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/metrics"
)

// Token types carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
	TokenTypeReset   = "reset"
)

// Claims are the typed JWT claims issued by this service.
type Claims struct {
	Role        string                 `json:"role"`
	Permissions []string               `json:"permissions,omitempty"`
	TokenType   string                 `json:"typ"`
	UserData    map[string]interface{} `json:"user_data,omitempty"`
	jwt.RegisteredClaims
}

// UserID is the token subject.
func (c *Claims) UserID() string { return c.Subject }

// SubjectID and SubjectRole let claims act as a permission subject.
func (c *Claims) SubjectID() string   { return c.Subject }
func (c *Claims) SubjectRole() string { return c.Role }

// TokenPair bundles a freshly minted access and refresh token.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// BlacklistKey returns the cache key marking a jti as revoked.
func BlacklistKey(jti string) string {
	return "token:blacklist:" + jti
}

// TokenService issues, validates, refreshes and revokes JWTs.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	cache   *cache.Service
	events  events.Publisher
	metrics *metrics.Service
	logger  *common.ContextLogger
}

// NewTokenService creates a token service. cache backs the revocation
// blacklist; publisher may be nil, in which case revocations are not
// announced.
func NewTokenService(secret, issuer string, accessTTL, refreshTTL time.Duration, c *cache.Service, pub events.Publisher) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		cache:      c,
		events:     pub,
		logger:     common.ServiceLogger("security"),
	}
}

// SetMetrics wires the validation outcome counter.
func (s *TokenService) SetMetrics(m *metrics.Service) { s.metrics = m }

func (s *TokenService) trackValidation(success bool) {
	if s.metrics != nil {
		s.metrics.TrackTokenValidation(success)
	}
}

func (s *TokenService) mint(userID, role string, permissions []string, userData map[string]interface{}, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:        role,
		Permissions: permissions,
		TokenType:   tokenType,
		UserData:    userData,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// CreateTokenPair mints an access and a refresh token for a user.
func (s *TokenService) CreateTokenPair(userID, role string, permissions []string, userData map[string]interface{}) (*TokenPair, error) {
	access, err := s.mint(userID, role, permissions, userData, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mint(userID, role, permissions, userData, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(s.accessTTL),
	}, nil
}

// CreateResetToken mints a short-lived password reset token.
func (s *TokenService) CreateResetToken(userID string) (string, error) {
	return s.mint(userID, "", nil, nil, TokenTypeReset, 15*time.Minute)
}

// parse verifies signature and registered claims without consulting
// the blacklist.
func (s *TokenService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateToken verifies signature and expiry, then rejects
// blacklisted jtis.
func (s *TokenService) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		s.trackValidation(false)
		return nil, err
	}

	if s.cache != nil && claims.ID != "" {
		var revoked bool
		hit, cacheErr := s.cache.Get(ctx, BlacklistKey(claims.ID), &revoked)
		if cacheErr != nil {
			s.logger.WithError(cacheErr).Warn("blacklist lookup failed")
		}
		if hit && revoked {
			s.trackValidation(false)
			return nil, ErrRevokedToken
		}
	}
	s.trackValidation(true)
	return claims, nil
}

// RevokeToken blacklists a token's jti for its remaining validity and
// publishes the revocation. Revoking an expired token is a no-op.
func (s *TokenService) RevokeToken(ctx context.Context, tokenString, userID, reason string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil
		}
		return err
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, BlacklistKey(claims.ID), true, ttl); err != nil {
			return fmt.Errorf("failed to blacklist token: %w", err)
		}
	}

	if s.events != nil {
		_ = s.events.Publish(ctx, events.TopicTokenRevoked, map[string]interface{}{
			"jti":     claims.ID,
			"user_id": userID,
			"reason":  reason,
			"type":    claims.TokenType,
		}, nil)
	}
	return nil
}

// RefreshTokens exchanges a valid refresh token for a new pair. The
// used refresh token is blacklisted so it cannot be replayed.
func (s *TokenService) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.ValidateToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrWrongTokenType
	}

	if err := s.RevokeToken(ctx, refreshToken, claims.Subject, "rotated"); err != nil {
		return nil, err
	}
	return s.CreateTokenPair(claims.Subject, claims.Role, claims.Permissions, claims.UserData)
}
