package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/errs"
)

// ReactionRepo persists emoji reactions on messages.
type ReactionRepo struct {
	db *gorm.DB
}

func NewReactionRepo(db *gorm.DB) *ReactionRepo {
	return &ReactionRepo{db: db}
}

// AddReaction records one (message, user, emoji) mark. Adding the
// same mark twice returns the existing row.
func (r *ReactionRepo) AddReaction(ctx context.Context, messageID, userID, emoji string) (*Reaction, error) {
	if emoji == "" {
		return nil, errs.Validation("emoji is required", nil)
	}

	var existing Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ? AND deleted_at IS NULL", messageID, userID, emoji).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Database("failed to look up reaction", err)
	}

	reaction := &Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	if err := r.db.WithContext(ctx).Create(reaction).Error; err != nil {
		return nil, errs.Database("failed to store reaction", err)
	}
	return reaction, nil
}

// RemoveReaction soft-deletes the caller's own mark.
func (r *ReactionRepo) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&Reaction{}).
		Where("message_id = ? AND user_id = ? AND emoji = ? AND deleted_at IS NULL", messageID, userID, emoji).
		Update("deleted_at", now)
	if res.Error != nil {
		return errs.Database("failed to remove reaction", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("reaction", messageID+":"+emoji)
	}
	return nil
}

// GetReactionCounts aggregates a message's live reactions by emoji.
func (r *ReactionRepo) GetReactionCounts(ctx context.Context, messageID string) (map[string]int64, error) {
	type row struct {
		Emoji string
		Count int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&Reaction{}).
		Select("emoji, COUNT(*) AS count").
		Where("message_id = ? AND deleted_at IS NULL", messageID).
		Group("emoji").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Database("failed to count reactions", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Emoji] = r.Count
	}
	return counts, nil
}

// GetUserReactions lists the users who put the given emoji on a
// message.
func (r *ReactionRepo) GetUserReactions(ctx context.Context, messageID, emoji string) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&Reaction{}).
		Where("message_id = ? AND emoji = ? AND deleted_at IS NULL", messageID, emoji).
		Order("created_at ASC").
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, errs.Database("failed to list reaction users", err)
	}
	return users, nil
}
