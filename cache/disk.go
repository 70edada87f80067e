package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	bolt "go.etcd.io/bbolt"
)

var diskBucket = []byte("cache")

type diskEntry struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"`
}

func (e diskEntry) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixNano() > e.ExpiresAt
}

// DiskBackend persists cache entries in a bbolt file. It survives
// restarts, which suits import-side caches of slowly changing legacy
// lookups. It does not offer tag sets or counters.
type DiskBackend struct {
	db *bolt.DB
}

// NewDiskBackend opens (or creates) the bolt file at path.
func NewDiskBackend(file string) (*DiskBackend, error) {
	db, err := bolt.Open(file, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file %s: %w", file, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(diskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	return &DiskBackend{db: db}, nil
}

func (b *DiskBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(diskBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e diskEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if e.expired(time.Now()) {
			return nil
		}
		value = append([]byte(nil), e.Value...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, found, nil
}

func (b *DiskBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := diskEntry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl).UnixNano()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(diskBucket).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (b *DiskBackend) Delete(_ context.Context, keys ...string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(diskBucket)
		for _, k := range keys {
			if err := bkt.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (b *DiskBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *DiskBackend) Clear(_ context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(diskBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(diskBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (b *DiskBackend) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := b.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *DiskBackend) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	now := time.Now()
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(diskBucket)
		for k, v := range entries {
			e := diskEntry{Value: v}
			if ttl > 0 {
				e.ExpiresAt = now.Add(ttl).UnixNano()
			}
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(k), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write keys: %w", err)
	}
	return nil
}

// Keys scans the bucket and prunes expired entries as a side effect.
func (b *DiskBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	var out []string
	var stale [][]byte

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(diskBucket).ForEach(func(k, v []byte) error {
			var e diskEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.expired(now) {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if ok, _ := path.Match(pattern, string(k)); ok {
				out = append(out, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	if len(stale) > 0 {
		_ = b.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(diskBucket)
			for _, k := range stale {
				if err := bkt.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return out, nil
}

func (b *DiskBackend) Close() error {
	return b.db.Close()
}
