package security

import (
	"context"
	"fmt"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/metrics"
)

// Service bundles the security facilities behind one registry entry:
// tokens, passwords, encryption, CSRF and the request guard.
type Service struct {
	cfg config.SecurityConfig

	Tokens    *TokenService
	Passwords *PasswordService
	Encryptor *Encryptor
	CSRF      *CSRFService
	Guard     *Guard

	logger *common.ContextLogger
}

// NewService wires the security components from configuration. The
// encryptor stays nil when encryption is disabled; callers check
// Encryption() before sealing.
func NewService(cfg config.SecurityConfig, c *cache.Service, pub events.Publisher) (*Service, error) {
	logger := common.ServiceLogger("security")

	policy := PasswordPolicy{
		MinLength:     cfg.Password.MinLength,
		HistorySize:   cfg.Password.HistorySize,
		MaxFailures:   cfg.Password.MaxFailures,
		LockoutWindow: cfg.Password.LockoutWindow,
	}

	s := &Service{
		cfg:       cfg,
		Tokens:    NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, c, pub),
		Passwords: NewPasswordService(policy, c, pub),
		CSRF:      NewCSRFService(cfg.JWTSecret, logger),
		Guard:     NewGuard(cfg.TrustedProxies, logger),
		logger:    logger,
	}

	if cfg.Encryption.Enabled {
		enc, err := NewEncryptor(cfg.Encryption.Keys, cfg.Encryption.ActiveKeyID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryption: %w", err)
		}
		s.Encryptor = enc
	}
	return s, nil
}

// Name identifies this service in the registry.
func (s *Service) Name() string { return "security" }

// Initialize logs the active configuration once the core services are
// up.
func (s *Service) Initialize(ctx context.Context) error {
	fields := map[string]interface{}{
		"access_ttl":  s.cfg.AccessTokenTTL.String(),
		"refresh_ttl": s.cfg.RefreshTokenTTL.String(),
		"encryption":  s.Encryptor != nil,
	}
	if s.Encryptor != nil {
		fields["active_key"] = s.Encryptor.ActiveKeyID()
	}
	s.logger.WithFields(fields).Info("security service initialized")
	return nil
}

// SetMetrics propagates the metrics service to the components that
// record outcomes.
func (s *Service) SetMetrics(m *metrics.Service) {
	s.Tokens.SetMetrics(m)
	s.Guard.SetMetrics(m)
}

// SetEvents propagates the publisher to components wired after
// construction.
func (s *Service) SetEvents(p events.Publisher) {
	s.Guard.SetEvents(p)
}

// Encryption returns the encryptor, or nil when disabled.
func (s *Service) Encryption() *Encryptor { return s.Encryptor }
