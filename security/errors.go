package security

import "errors"

// Security errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrRevokedToken     = errors.New("token has been revoked")
	ErrWrongTokenType   = errors.New("wrong token type")
	ErrInvalidAPIKey    = errors.New("invalid api key")
	ErrEmptyPassword    = errors.New("password cannot be empty")
	ErrWeakPassword     = errors.New("password does not meet requirements")
	ErrPasswordReused   = errors.New("password was used recently")
	ErrAccountLocked    = errors.New("account is locked")
	ErrDecryptFailed    = errors.New("decryption failed")
	ErrUnknownKey       = errors.New("unknown encryption key")
	ErrInvalidCSRFToken = errors.New("invalid csrf token")
)
