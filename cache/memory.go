package cache

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryBackend is a process-local cache. It implements the full
// capability set so single-node deployments and tests behave like the
// Redis-backed production setup.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	sets    map[string]map[string]struct{}

	stop chan struct{}
	once sync.Once
}

// NewMemoryBackend creates a memory cache with a background sweeper
// that evicts expired entries once a minute.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		entries: make(map[string]memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		stop:    make(chan struct{}),
	}
	go b.sweep()
	return b
}

func (b *MemoryBackend) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for k, e := range b.entries {
				if e.expired(now) {
					delete(b.entries, k)
				}
			}
			b.mu.Unlock()
		}
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	b.mu.Lock()
	b.entries[key] = e
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.entries, k)
		delete(b.sets, k)
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	b.entries = make(map[string]memoryEntry)
	b.sets = make(map[string]map[string]struct{})
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok, _ := b.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *MemoryBackend) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for k, v := range entries {
		if err := b.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []string
	for k, e := range b.entries {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *MemoryBackend) AddToSet(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) SetMembers(_ context.Context, key string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	members := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (b *MemoryBackend) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	e, ok := b.entries[key]
	var n int64
	if ok && !e.expired(now) {
		n = decodeInt(e.value)
		n++
		// Window already armed; keep its deadline.
		b.entries[key] = memoryEntry{value: encodeInt(n), expiresAt: e.expiresAt}
		return n, nil
	}

	n = 1
	ne := memoryEntry{value: encodeInt(n)}
	if ttl > 0 {
		ne.expiresAt = now.Add(ttl)
	}
	b.entries[key] = ne
	return n, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error { return nil }

// Close stops the sweeper.
func (b *MemoryBackend) Close() error {
	b.once.Do(func() { close(b.stop) })
	return nil
}

func encodeInt(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func decodeInt(b []byte) int64 {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
