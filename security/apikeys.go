package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// APIKeyPrefix marks every issued key so leaked keys are recognizable
// in logs and scanners.
const APIKeyPrefix = "dk_"

// APIKeyData is returned once at generation time. The plaintext key is
// never stored; only the hash is.
type APIKeyData struct {
	Key         string    `json:"key"`
	Hash        string    `json:"-"`
	Preview     string    `json:"preview"`
	Name        string    `json:"name"`
	UserID      string    `json:"user_id"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// GenerateAPIKey mints a new API key for a user. The caller persists
// Hash and shows Key to the user exactly once.
func GenerateAPIKey(userID, name string, permissions []string) (*APIKeyData, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	key := APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return &APIKeyData{
		Key:         key,
		Hash:        HashAPIKey(key),
		Preview:     key[:len(APIKeyPrefix)+6] + "...",
		Name:        name,
		UserID:      userID,
		Permissions: permissions,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// HashAPIKey returns the storable hash of a plaintext key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey checks a plaintext key against a stored hash in
// constant time.
func VerifyAPIKey(plaintext, storedHash string) error {
	if !strings.HasPrefix(plaintext, APIKeyPrefix) {
		return ErrInvalidAPIKey
	}
	computed := HashAPIKey(plaintext)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
