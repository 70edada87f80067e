package chat

import (
	"context"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/metrics"
	"github.com/drivelinehq/driveline/security"
)

// Service bundles the chat repositories behind one registry entry.
type Service struct {
	Rooms     *RoomRepo
	Members   *MemberRepo
	Messages  *MessageRepo
	Reactions *ReactionRepo
	Limiter   *RateLimiter
	Filter    *ContentFilter

	cfg    config.ChatConfig
	logger *common.ContextLogger
}

// NewService wires the chat fabric. crypto may be nil when message
// encryption is disabled.
func NewService(db *gorm.DB, cfg config.ChatConfig, crypto *security.Encryptor, c *cache.Service, pub events.Publisher) *Service {
	filter := NewContentFilter(c)
	limiter := NewRateLimiter(db)
	return &Service{
		Rooms:     NewRoomRepo(db, crypto),
		Members:   NewMemberRepo(db),
		Messages:  NewMessageRepo(db, crypto, filter, limiter, pub, cfg),
		Reactions: NewReactionRepo(db),
		Limiter:   limiter,
		Filter:    filter,
		cfg:       cfg,
		logger:    common.ServiceLogger("chat"),
	}
}

func (s *Service) Name() string { return "chat" }

// Initialize logs the effective budgets; nothing to start.
func (s *Service) Initialize(_ context.Context) error {
	s.logger.WithFields(map[string]interface{}{
		"message_rate_limit": s.cfg.MessageRateLimit,
		"history_page_size":  s.cfg.HistoryPageSize,
	}).Info("Chat service ready")
	return nil
}

// SetMetrics attaches the metrics service to the message path.
func (s *Service) SetMetrics(m *metrics.Service) {
	s.Messages.SetMetrics(m)
}
