package realtime

import (
	"context"
	"time"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/common"
)

const (
	defaultPresenceTTL = 300 * time.Second
	lastSeenTTL        = 24 * time.Hour
)

// OnlineKey is the cache key marking a user online.
func OnlineKey(userID string) string { return "user:online:" + userID }

// LastSeenKey is the cache key holding a user's last-seen timestamp.
func LastSeenKey(userID string) string { return "user:last_seen:" + userID }

// Presence tracks who is online across nodes through the shared
// cache. Online flags expire on their own, so a crashed node's users
// fall offline without cleanup.
type Presence struct {
	cache  *cache.Service
	ttl    time.Duration
	logger *common.ContextLogger
}

func NewPresence(c *cache.Service, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &Presence{
		cache:  c,
		ttl:    ttl,
		logger: common.ServiceLogger("realtime.presence"),
	}
}

// SetOnline marks the user online, refreshing the expiry.
func (p *Presence) SetOnline(ctx context.Context, userID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, OnlineKey(userID), true, p.ttl); err != nil {
		p.logger.WithError(err).WithField("user_id", userID).Warn("Failed to set online flag")
	}
}

// SetOffline drops the online flag and records last-seen.
func (p *Presence) SetOffline(ctx context.Context, userID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, OnlineKey(userID)); err != nil {
		p.logger.WithError(err).WithField("user_id", userID).Warn("Failed to clear online flag")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := p.cache.Set(ctx, LastSeenKey(userID), now, lastSeenTTL); err != nil {
		p.logger.WithError(err).WithField("user_id", userID).Warn("Failed to record last seen")
	}
}

// IsOnline reports whether the user is online on any node.
func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	if p.cache == nil {
		return false
	}
	var online bool
	found, err := p.cache.Get(ctx, OnlineKey(userID), &online)
	if err != nil {
		p.logger.WithError(err).WithField("user_id", userID).Warn("Failed to read online flag")
		return false
	}
	return found && online
}

// LastSeen returns the user's last-seen timestamp, or zero when the
// user was never seen or the record expired.
func (p *Presence) LastSeen(ctx context.Context, userID string) time.Time {
	if p.cache == nil {
		return time.Time{}
	}
	var raw string
	found, err := p.cache.Get(ctx, LastSeenKey(userID), &raw)
	if err != nil || !found {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
