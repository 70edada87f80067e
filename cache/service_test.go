package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	b := NewMemoryBackend()
	t.Cleanup(func() { b.Close() })
	return NewService(b, "test", time.Minute)
}

func TestServiceJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "user:1", profile{Name: "ada", Score: 9}, 0))

	var got profile
	ok, err := s.Get(ctx, "user:1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, profile{Name: "ada", Score: 9}, got)
}

func TestServiceMissLeavesDestUntouched(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	got := profile{Name: "sentinel"}
	ok, err := s.Get(ctx, "absent", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "sentinel", got.Name)
}

func TestServiceAppliesPrefix(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	defer b.Close()
	s := NewService(b, "app", time.Minute)

	require.NoError(t, s.Set(ctx, "k", 42, 0))

	_, ok, err := b.Get(ctx, "app:k")
	require.NoError(t, err)
	assert.True(t, ok, "key must be stored under the prefix")
}

func TestInvalidatePattern(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "permission:check:u1:read", true, 0))
	require.NoError(t, s.Set(ctx, "permission:check:u1:write", true, 0))
	require.NoError(t, s.Set(ctx, "permission:check:u2:read", true, 0))

	n, err := s.InvalidatePattern(ctx, "permission:check:u1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var v bool
	ok, err := s.Get(ctx, "permission:check:u1:read", &v)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Get(ctx, "permission:check:u2:read", &v)
	require.NoError(t, err)
	assert.True(t, ok, "other users' entries survive")
}

func TestInvalidateTag(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "product:1", "a", 0, "products"))
	require.NoError(t, s.Set(ctx, "product:2", "b", 0, "products"))
	require.NoError(t, s.Set(ctx, "price:1", "c", 0, "prices"))

	n, err := s.InvalidateTag(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var v string
	ok, _ := s.Get(ctx, "product:1", &v)
	assert.False(t, ok)
	ok, _ = s.Get(ctx, "price:1", &v)
	assert.True(t, ok, "keys under other tags survive")

	// The tag set itself is gone too.
	n, err = s.InvalidateTag(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGetOrComputeCachesResult(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	calls := 0
	compute := func(ctx context.Context) (profile, error) {
		calls++
		return profile{Name: "computed", Score: calls}, nil
	}

	got, err := GetOrCompute(ctx, s, "p", time.Minute, nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Score)

	got, err = GetOrCompute(ctx, s, "p", time.Minute, nil, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Score, "second call must come from cache")
	assert.Equal(t, 1, calls)
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	boom := errors.New("boom")
	_, err := GetOrCompute(ctx, s, "p", time.Minute, nil, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.Equal(t, boom, err)

	// Nothing was stored.
	var v int
	ok, _ := s.Get(ctx, "p", &v)
	assert.False(t, ok)
}

func TestCachedWrapper(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	calls := 0
	fn := Cached(s, "answer", time.Minute, []string{"answers"}, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})

	for i := 0; i < 3; i++ {
		v, err := fn(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)

	// Tagged, so tag invalidation clears it.
	_, err := s.InvalidateTag(ctx, "answers")
	require.NoError(t, err)
	_, err = fn(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInvalidateAfter(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "rooms:list:u1", "cached", 0, "rooms"))

	update := InvalidateAfter(s, "rooms:list:*", []string{"rooms"}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, update(ctx))

	var v string
	ok, _ := s.Get(ctx, "rooms:list:u1", &v)
	assert.False(t, ok)
}

func TestInvalidateAfterSkipsOnFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "rooms:list:u1", "cached", 0))

	boom := errors.New("write failed")
	update := InvalidateAfter(s, "rooms:list:*", nil, func(ctx context.Context) error {
		return boom
	})
	assert.Equal(t, boom, update(ctx))

	var v string
	ok, _ := s.Get(ctx, "rooms:list:u1", &v)
	assert.True(t, ok, "failed writes must not invalidate")
}

func TestServiceIncrement(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	for want := int64(1); want <= 3; want++ {
		n, err := s.Increment(ctx, "rate:ws:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}
