package security

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/events"
)

// BcryptCost is the cost factor for bcrypt hashing.
const BcryptCost = 12

// failureKeyIDLen truncates user ids in failure-counter keys so raw
// identifiers do not accumulate in the cache keyspace.
const failureKeyIDLen = 8

var (
	passwordUpper   = regexp.MustCompile(`[A-Z]`)
	passwordLower   = regexp.MustCompile(`[a-z]`)
	passwordDigit   = regexp.MustCompile(`[0-9]`)
	passwordSpecial = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>\/?]`)
)

// PasswordPolicy states what an acceptable password looks like and
// how login failures escalate.
type PasswordPolicy struct {
	MinLength     int
	HistorySize   int
	MaxFailures   int
	LockoutWindow time.Duration
}

// DefaultPasswordPolicy is the production default.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:     10,
		HistorySize:   5,
		MaxFailures:   5,
		LockoutWindow: 15 * time.Minute,
	}
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a password against its hash in constant time.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// PasswordService enforces the policy, checks reuse history and
// tracks failed verifications.
type PasswordService struct {
	policy PasswordPolicy
	cache  *cache.Service
	events events.Publisher
	logger *common.ContextLogger
}

// NewPasswordService creates a password service. cache backs the
// failure counters; a nil publisher silences lockout events.
func NewPasswordService(policy PasswordPolicy, c *cache.Service, pub events.Publisher) *PasswordService {
	return &PasswordService{
		policy: policy,
		cache:  c,
		events: pub,
		logger: common.ServiceLogger("security"),
	}
}

// ValidatePolicy checks a candidate password against the policy.
func (s *PasswordService) ValidatePolicy(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if len(password) < s.policy.MinLength {
		return ErrWeakPassword
	}
	if !passwordUpper.MatchString(password) ||
		!passwordLower.MatchString(password) ||
		!passwordDigit.MatchString(password) ||
		!passwordSpecial.MatchString(password) {
		return ErrWeakPassword
	}
	return nil
}

// CheckHistory rejects a password that matches any of the user's
// recent hashes. previousHashes is ordered newest first; only the
// policy's history window is considered.
func (s *PasswordService) CheckHistory(password string, previousHashes []string) error {
	n := len(previousHashes)
	if s.policy.HistorySize > 0 && n > s.policy.HistorySize {
		n = s.policy.HistorySize
	}
	for _, hash := range previousHashes[:n] {
		if VerifyPassword(password, hash) == nil {
			return ErrPasswordReused
		}
	}
	return nil
}

func failureKey(userID string) string {
	if len(userID) > failureKeyIDLen {
		userID = userID[:failureKeyIDLen]
	}
	return "login:failures:" + userID
}

// RecordFailure bumps the user's failure counter. Crossing the policy
// threshold publishes a lockout event and reports ErrAccountLocked.
func (s *PasswordService) RecordFailure(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	n, err := s.cache.Increment(ctx, failureKey(userID), s.policy.LockoutWindow)
	if err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}
	if int(n) < s.policy.MaxFailures {
		return nil
	}

	if int(n) == s.policy.MaxFailures && s.events != nil {
		_ = s.events.Publish(ctx, events.TopicUserLockedOut, map[string]interface{}{
			"user_id":  userID,
			"failures": n,
		}, nil)
	}
	return ErrAccountLocked
}

// IsLockedOut reports whether the user's failure budget is spent.
func (s *PasswordService) IsLockedOut(ctx context.Context, userID string) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	var n int64
	ok, err := s.cache.Get(ctx, failureKey(userID), &n)
	if err != nil {
		return false, err
	}
	return ok && int(n) >= s.policy.MaxFailures, nil
}

// ClearFailures resets the counter after a successful login.
func (s *PasswordService) ClearFailures(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, failureKey(userID))
}
