package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/events"
)

// checkTTL bounds how stale a cached permission decision can be.
const checkTTL = 5 * time.Minute

// CheckKey is the cache key for one (user, permission) decision.
func CheckKey(userID, perm string) string {
	return "permission:check:" + userID + ":" + perm
}

// UserKey is the cache key for a user's explicit grant list.
func UserKey(userID string) string {
	return "permissions:user:" + userID
}

// Service caches permission decisions, publishes denials for audit
// and exposes the ensure variants that fail with a typed error.
type Service struct {
	checker *Checker
	cache   *cache.Service
	events  events.Publisher
	logger  *common.ContextLogger
}

// NewService wires the checker with a grant store, decision cache and
// denial publisher. Any of grants, c and pub may be nil.
func NewService(grants UserPermissions, c *cache.Service, pub events.Publisher) *Service {
	if grants != nil && c != nil {
		grants = &cachingGrants{store: grants, cache: c}
	}
	return &Service{
		checker: NewChecker(grants),
		cache:   c,
		events:  pub,
		logger:  common.ServiceLogger("permissions"),
	}
}

// Name identifies this service in the registry.
func (s *Service) Name() string { return "permissions" }

// Checker exposes the uncached evaluation, mainly for tests.
func (s *Service) Checker() *Checker { return s.checker }

// HasPermission answers from the decision cache when possible. The
// cached value is always the decision computed at write time.
func (s *Service) HasPermission(ctx context.Context, sub Subject, perm string) (bool, error) {
	key := CheckKey(sub.SubjectID(), perm)
	if s.cache != nil {
		var allowed bool
		if hit, err := s.cache.Get(ctx, key, &allowed); err == nil && hit {
			return allowed, nil
		}
	}

	allowed, err := s.checker.HasPermission(ctx, sub, perm)
	if err != nil {
		return false, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, allowed, checkTTL); err != nil {
			s.logger.WithError(err).Warn("failed to cache permission decision")
		}
	}
	return allowed, nil
}

// CheckObjectPermission is the ownership-aware variant. Object
// decisions are not cached; ownership depends on the object at hand.
func (s *Service) CheckObjectPermission(ctx context.Context, sub Subject, obj interface{}, perm, ownerField string) (bool, error) {
	return s.checker.CheckObjectPermission(ctx, sub, obj, perm, ownerField)
}

// EnsurePermission fails with a permission-denied error and publishes
// the denial for audit when sub lacks perm.
func (s *Service) EnsurePermission(ctx context.Context, sub Subject, perm string) error {
	allowed, err := s.HasPermission(ctx, sub, perm)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	s.publishDenial(ctx, events.TopicPermissionDenied, map[string]interface{}{
		"user_id":    sub.SubjectID(),
		"role":       sub.SubjectRole(),
		"permission": perm,
	})
	return errs.PermissionDenied(fmt.Sprintf("missing permission %s", perm))
}

// EnsureObjectPermission is EnsurePermission with the ownership grant.
func (s *Service) EnsureObjectPermission(ctx context.Context, sub Subject, obj interface{}, perm, ownerField string) error {
	allowed, err := s.CheckObjectPermission(ctx, sub, obj, perm, ownerField)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	s.publishDenial(ctx, events.TopicObjectDenied, map[string]interface{}{
		"user_id":     sub.SubjectID(),
		"role":        sub.SubjectRole(),
		"permission":  perm,
		"object_type": fmt.Sprintf("%T", obj),
		"owner_field": ownerField,
	})
	return errs.PermissionDenied(fmt.Sprintf("missing permission %s on object", perm))
}

// InvalidateUser drops every cached decision and the grant blob for a
// user. Call it whenever their role or explicit grants change.
func (s *Service) InvalidateUser(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, UserKey(userID)); err != nil {
		return err
	}
	_, err := s.cache.InvalidatePattern(ctx, CheckKey(userID, "*"))
	return err
}

func (s *Service) publishDenial(ctx context.Context, topic string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, topic, payload, nil); err != nil {
		s.logger.WithError(err).Warn("failed to publish permission denial")
	}
}

// cachingGrants caches the explicit grant list per user so checks do
// not hit the store on every call.
type cachingGrants struct {
	store UserPermissions
	cache *cache.Service
}

func (g *cachingGrants) PermissionsFor(ctx context.Context, userID string) ([]string, error) {
	key := UserKey(userID)
	var perms []string
	if hit, err := g.cache.Get(ctx, key, &perms); err == nil && hit {
		return perms, nil
	}

	perms, err := g.store.PermissionsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []string{}
	}
	if err := g.cache.Set(ctx, key, perms, checkTTL); err != nil {
		common.ServiceLogger("permissions").WithError(err).Warn("failed to cache user grants")
	}
	return perms, nil
}
