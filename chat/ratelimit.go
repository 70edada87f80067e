package chat

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
)

// Event kinds tracked by the rate limiter.
const (
	EventKindMessage  = "message"
	EventKindReaction = "reaction"
)

// RateLimiter enforces a rolling per-user, per-room window over the
// rate-limit log. The log is append-only; the window is derived at
// check time, so restarts do not reset anyone's budget.
type RateLimiter struct {
	db     *gorm.DB
	logger *common.ContextLogger
}

func NewRateLimiter(db *gorm.DB) *RateLimiter {
	return &RateLimiter{
		db:     db,
		logger: common.ServiceLogger("chat.ratelimit"),
	}
}

// Check admits or rejects one event. On admission the event is
// recorded immediately so concurrent senders count each other. On
// rejection the reset time is when the oldest in-window event falls
// out of the window.
func (rl *RateLimiter) Check(ctx context.Context, userID, roomID, kind string, max int, window time.Duration) error {
	if max <= 0 {
		return rl.record(ctx, userID, roomID, kind)
	}

	since := time.Now().UTC().Add(-window)

	var count int64
	err := rl.db.WithContext(ctx).Model(&RateLimitLog{}).
		Where("user_id = ? AND room_id = ? AND event_kind = ? AND created_at > ?", userID, roomID, kind, since).
		Count(&count).Error
	if err != nil {
		return errs.Database("failed to count rate limit events", err)
	}

	if count >= int64(max) {
		var oldest RateLimitLog
		err := rl.db.WithContext(ctx).
			Where("user_id = ? AND room_id = ? AND event_kind = ? AND created_at > ?", userID, roomID, kind, since).
			Order("created_at ASC").
			First(&oldest).Error
		reset := time.Now().UTC().Add(window)
		if err == nil {
			reset = oldest.CreatedAt.Add(window)
		}
		rl.logger.WithFields(map[string]interface{}{
			"user_id": userID,
			"room_id": roomID,
			"kind":    kind,
			"count":   count,
		}).Warn("Chat rate limit exceeded")
		return errs.RateLimited(max, 0, reset)
	}

	return rl.record(ctx, userID, roomID, kind)
}

func (rl *RateLimiter) record(ctx context.Context, userID, roomID, kind string) error {
	entry := &RateLimitLog{
		UserID:    userID,
		RoomID:    roomID,
		EventKind: kind,
		CreatedAt: time.Now().UTC(),
	}
	if err := rl.db.WithContext(ctx).Create(entry).Error; err != nil {
		return errs.Database("failed to record rate limit event", err)
	}
	return nil
}

// Prune drops log rows older than the retention horizon. Meant to be
// called from a background sweep, not the hot path.
func (rl *RateLimiter) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := rl.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&RateLimitLog{})
	if res.Error != nil {
		return 0, errs.Database("failed to prune rate limit log", res.Error)
	}
	return res.RowsAffected, nil
}
