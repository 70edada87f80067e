package cache

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendUnderTest builds each backend against throwaway state so the
// whole contract runs once per implementation.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()

	mem := NewMemoryBackend()
	t.Cleanup(func() { mem.Close() })

	disk, err := NewDiskBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })

	return map[string]Backend{
		"memory": mem,
		"disk":   disk,
		"redis":  rb,
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()

	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			// Miss before any write.
			_, ok, err := b.Get(ctx, "absent")
			require.NoError(t, err)
			assert.False(t, ok)

			// Round trip.
			require.NoError(t, b.Set(ctx, "k1", []byte(`{"a":1}`), 0))
			v, ok, err := b.Get(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte(`{"a":1}`), v)

			exists, err := b.Exists(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, exists)

			// Delete is idempotent.
			require.NoError(t, b.Delete(ctx, "k1", "never-there"))
			exists, err = b.Exists(ctx, "k1")
			require.NoError(t, err)
			assert.False(t, exists)

			// Many.
			require.NoError(t, b.SetMany(ctx, map[string][]byte{
				"m1": []byte("1"), "m2": []byte("2"),
			}, 0))
			got, err := b.GetMany(ctx, []string{"m1", "m2", "m3"})
			require.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Equal(t, []byte("2"), got["m2"])

			// Pattern scan.
			require.NoError(t, b.Set(ctx, "perm:check:u1:read", []byte("t"), 0))
			require.NoError(t, b.Set(ctx, "perm:check:u1:write", []byte("t"), 0))
			require.NoError(t, b.Set(ctx, "perm:check:u2:read", []byte("t"), 0))
			keys, err := b.Keys(ctx, "perm:check:u1:*")
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"perm:check:u1:read", "perm:check:u1:write"}, keys)

			// Clear.
			require.NoError(t, b.Clear(ctx))
			exists, err = b.Exists(ctx, "m1")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestMemoryAndDiskExpiry(t *testing.T) {
	ctx := context.Background()

	mem := NewMemoryBackend()
	defer mem.Close()
	disk, err := NewDiskBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer disk.Close()

	for name, b := range map[string]Backend{"memory": mem, "disk": disk} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
			time.Sleep(30 * time.Millisecond)
			_, ok, err := b.Get(ctx, "short")
			require.NoError(t, err)
			assert.False(t, ok, "entry must expire")
		})
	}
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend("redis://" + mr.Addr())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set(ctx, "short", []byte("x"), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := b.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetCapability(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend("redis://" + mr.Addr())
	require.NoError(t, err)
	defer rb.Close()
	mem := NewMemoryBackend()
	defer mem.Close()

	for name, b := range map[string]Backend{"memory": mem, "redis": rb} {
		t.Run(name, func(t *testing.T) {
			adder, ok := b.(SetAdder)
			require.True(t, ok)

			require.NoError(t, adder.AddToSet(ctx, "tag:products", "k1", "k2"))
			require.NoError(t, adder.AddToSet(ctx, "tag:products", "k2", "k3"))

			members, err := adder.SetMembers(ctx, "tag:products")
			require.NoError(t, err)
			sort.Strings(members)
			assert.Equal(t, []string{"k1", "k2", "k3"}, members)
		})
	}

	// Disk deliberately lacks the capability.
	disk, err := NewDiskBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer disk.Close()
	_, ok := Backend(disk).(SetAdder)
	assert.False(t, ok)
}

func TestIncrementArmsWindowOnce(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend("redis://" + mr.Addr())
	require.NoError(t, err)
	defer rb.Close()
	mem := NewMemoryBackend()
	defer mem.Close()

	for name, b := range map[string]Incrementer{"memory": mem, "redis": rb} {
		t.Run(name, func(t *testing.T) {
			n, err := b.Increment(ctx, "rate:ws:u1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = b.Increment(ctx, "rate:ws:u1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}

	// The window keeps its original deadline across increments.
	mr.FastForward(59 * time.Second)
	n, err := rb.Increment(ctx, "rate:ws:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	mr.FastForward(2 * time.Second)
	n, err = rb.Increment(ctx, "rate:ws:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a fresh window starts at one")
}
