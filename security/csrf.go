package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/drivelinehq/driveline/common"
)

// CSRFService issues and checks per-session tokens. Tokens are bound
// to the session id with an HMAC, so a token lifted from one session
// fails validation in another.
type CSRFService struct {
	secret []byte
	logger *common.ContextLogger
}

func NewCSRFService(secret string, logger *common.ContextLogger) *CSRFService {
	return &CSRFService{
		secret: []byte(secret),
		logger: logger.WithField("component", "csrf"),
	}
}

// GenerateToken mints a token for the given session id. The token is
// <base64(nonce)>.<hex(hmac(session || nonce))>.
func (s *CSRFService) GenerateToken(sessionID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sig := s.sign(sessionID, nonce)
	return base64.RawURLEncoding.EncodeToString(nonce) + "." + hex.EncodeToString(sig), nil
}

// ValidateToken checks a token against the session it was issued for.
// Comparison is constant time. Failures are logged with a truncated
// session id only.
func (s *CSRFService) ValidateToken(sessionID, token string) error {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		s.logFailure(sessionID, "malformed token")
		return ErrInvalidCSRFToken
	}
	nonce, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		s.logFailure(sessionID, "bad nonce encoding")
		return ErrInvalidCSRFToken
	}
	sig, err := hex.DecodeString(parts[1])
	if err != nil {
		s.logFailure(sessionID, "bad signature encoding")
		return ErrInvalidCSRFToken
	}
	expected := s.sign(sessionID, nonce)
	if !hmac.Equal(sig, expected) {
		s.logFailure(sessionID, "signature mismatch")
		return ErrInvalidCSRFToken
	}
	return nil
}

func (s *CSRFService) sign(sessionID string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(sessionID))
	mac.Write(nonce)
	return mac.Sum(nil)
}

func (s *CSRFService) logFailure(sessionID, reason string) {
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	s.logger.WithField("session", prefix).Warnf("csrf validation failed: %s", reason)
}
