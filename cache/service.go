package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/metrics"
)

// TagKey returns the storage key of a tag's member set.
func TagKey(tag string) string {
	return "cache:tag:" + tag
}

// Service is the cache manager: one JSON-typed API over a pluggable
// backend, with key prefixing, tag tracking and best-effort metrics.
type Service struct {
	backend    Backend
	prefix     string
	defaultTTL time.Duration
	logger     *common.ContextLogger
	metrics    *metrics.Service
}

// NewService wraps a backend. prefix namespaces every key; a zero
// defaultTTL means entries without an explicit ttl do not expire.
func NewService(backend Backend, prefix string, defaultTTL time.Duration) *Service {
	return &Service{
		backend:    backend,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		logger:     common.ServiceLogger("cache"),
	}
}

// Name identifies this service in the registry.
func (s *Service) Name() string { return "cache" }

// SetMetrics attaches the metrics service. The cache works without it;
// recording is best-effort by contract.
func (s *Service) SetMetrics(m *metrics.Service) { s.metrics = m }

// Backend exposes the underlying backend for capability-aware callers
// such as the realtime bridge.
func (s *Service) Backend() Backend { return s.backend }

func (s *Service) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *Service) track(operation, result string) {
	if s.metrics != nil {
		s.metrics.TrackCacheOperation(operation, result)
	}
}

// Get reads key into dest. Returns false on a miss without touching
// dest.
func (s *Service) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok, err := s.backend.Get(ctx, s.fullKey(key))
	if err != nil {
		s.track("get", "error")
		return false, err
	}
	if !ok {
		s.track("get", "miss")
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		s.track("get", "error")
		return false, fmt.Errorf("failed to decode cached value for %s: %w", key, err)
	}
	s.track("get", "hit")
	return true, nil
}

// Set stores value under key. A zero ttl uses the service default. If
// tags are given the key joins each tag's member set, provided the
// backend has the set capability.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if err := s.backend.Set(ctx, s.fullKey(key), raw, ttl); err != nil {
		s.track("set", "error")
		return err
	}
	s.track("set", "ok")
	s.addTags(ctx, key, tags)
	return nil
}

// addTags records key under each tag. Failures are logged, never
// returned; tag bookkeeping must not fail a write.
func (s *Service) addTags(ctx context.Context, key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	adder, ok := s.backend.(SetAdder)
	if !ok {
		return
	}
	for _, tag := range tags {
		if err := adder.AddToSet(ctx, s.fullKey(TagKey(tag)), s.fullKey(key)); err != nil {
			s.logger.WithField("tag", tag).WithError(err).Warn("failed to track cache tag")
		}
	}
}

// Delete removes keys.
func (s *Service) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.fullKey(k)
	}
	if err := s.backend.Delete(ctx, full...); err != nil {
		s.track("delete", "error")
		return err
	}
	s.track("delete", "ok")
	return nil
}

// Exists reports whether key is cached.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, s.fullKey(key))
}

// Increment bumps an expiring counter, arming ttl on the first hit of
// a window. Backends without the counter capability fall back to a
// read-modify-write that is not atomic across processes.
func (s *Service) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := s.fullKey(key)
	if inc, ok := s.backend.(Incrementer); ok {
		return inc.Increment(ctx, full, ttl)
	}

	raw, ok, err := s.backend.Get(ctx, full)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n = decodeInt(raw)
	}
	n++
	if err := s.backend.Set(ctx, full, encodeInt(n), ttl); err != nil {
		return 0, err
	}
	return n, nil
}

// InvalidatePattern deletes every key matching a glob pattern and
// returns how many were removed.
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := s.backend.Keys(ctx, s.fullKey(pattern))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.backend.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	s.track("invalidate", "ok")
	return len(keys), nil
}

// ClearPrefix is the bounded form of pattern invalidation.
func (s *Service) ClearPrefix(ctx context.Context, prefix string) (int, error) {
	return s.InvalidatePattern(ctx, prefix+"*")
}

// InvalidateTag deletes every key recorded under tag, then the tag set
// itself. Backends without sets report zero deletions.
func (s *Service) InvalidateTag(ctx context.Context, tag string) (int, error) {
	adder, ok := s.backend.(SetAdder)
	if !ok {
		return 0, nil
	}
	tagKey := s.fullKey(TagKey(tag))
	members, err := adder.SetMembers(ctx, tagKey)
	if err != nil {
		return 0, err
	}
	// Members were stored fully qualified.
	if len(members) > 0 {
		if err := s.backend.Delete(ctx, members...); err != nil {
			return 0, err
		}
	}
	if err := s.backend.Delete(ctx, tagKey); err != nil {
		return len(members), err
	}
	s.track("invalidate_tag", "ok")
	return len(members), nil
}

// SetMembers reads the members of a set key. Backends without sets
// report an empty set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	adder, ok := s.backend.(SetAdder)
	if !ok {
		return nil, nil
	}
	return adder.SetMembers(ctx, s.fullKey(key))
}

// Clear empties the backend.
func (s *Service) Clear(ctx context.Context) error {
	return s.backend.Clear(ctx)
}

// HealthCheck pings backends that support it.
func (s *Service) HealthCheck(ctx context.Context) error {
	if p, ok := s.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Shutdown closes the backend.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.backend.Close()
}

// GetOrCompute returns the cached value for key, computing and storing
// it on a miss. Concurrent misses may run compute more than once;
// compute must be idempotent where that matters.
func GetOrCompute[T any](ctx context.Context, s *Service, key string, ttl time.Duration, tags []string, compute func(context.Context) (T, error)) (T, error) {
	var out T
	ok, err := s.Get(ctx, key, &out)
	if err != nil {
		// A broken cache read degrades to computing fresh.
		s.logger.WithField("key", key).WithError(err).Warn("cache read failed, computing fresh")
	}
	if ok {
		return out, nil
	}

	out, err = compute(ctx)
	if err != nil {
		return out, err
	}
	if err := s.Set(ctx, key, out, ttl, tags...); err != nil {
		s.logger.WithField("key", key).WithError(err).Warn("failed to store computed value")
	}
	return out, nil
}

// Cached wraps compute in a cache-aside lookup under a fixed key.
func Cached[T any](s *Service, key string, ttl time.Duration, tags []string, compute func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return GetOrCompute(ctx, s, key, ttl, tags, compute)
	}
}

// InvalidateAfter wraps fn so that, when it succeeds, keys matching
// pattern and keys under each tag are removed. Invalidation failures
// are logged and swallowed; the wrapped result stands.
func InvalidateAfter(s *Service, pattern string, tags []string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		if pattern != "" {
			if _, err := s.InvalidatePattern(ctx, pattern); err != nil {
				s.logger.WithField("pattern", pattern).WithError(err).Warn("failed to invalidate pattern")
			}
		}
		for _, tag := range tags {
			if _, err := s.InvalidateTag(ctx, tag); err != nil {
				s.logger.WithField("tag", tag).WithError(err).Warn("failed to invalidate tag")
			}
		}
		return nil
	}
}
