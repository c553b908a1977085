package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const bucketKV = "kv"

// envelope is the on-disk form of a value. bbolt has no native expiry, so the
// deadline travels with the value and expired entries read as absent until
// PruneExpired removes them.
type envelope struct {
	Value     []byte `msgpack:"v"`
	ExpiresAt int64  `msgpack:"e"` // Unix nanoseconds, 0 = never
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// BboltStore is the embedded Store used when no external store is configured.
type BboltStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ Store = (*BboltStore)(nil)

// NewBboltStore opens (or creates) a bbolt database at dataDir/nice.db.
func NewBboltStore(dataDir string) (*BboltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "nice.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketKV)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketKV, err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BboltStore{db: db, now: time.Now}, nil
}

// ---- Store -----------------------------------------------------------------

func (s *BboltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketKV)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var env envelope
		if err := msgpack.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("unmarshal envelope: %w", err)
		}
		if env.expired(s.now()) {
			return nil
		}
		value = append([]byte{}, env.Value...)
		return nil
	})
	return value, err
}

func (s *BboltStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.encode(value, ttl)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKV)).Put([]byte(key), data)
	})
}

func (s *BboltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKV)).Delete([]byte(key))
	})
}

// GetOrCreate reads first and only opens a write transaction on a miss. The
// miss path re-checks inside that transaction, so on bbolt the first creator
// always wins.
func (s *BboltStore) GetOrCreate(ctx context.Context, key string, create func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value = s.live(tx.Bucket([]byte(bucketKV)), key)
		return nil
	})
	if err != nil || value != nil {
		return value, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		if value = s.live(b, key); value != nil {
			return nil
		}
		created, err := create()
		if err != nil {
			return fmt.Errorf("create value: %w", err)
		}
		data, err := s.encode(created, 0)
		if err != nil {
			return err
		}
		value = created
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// live copies out the unexpired value under key, or returns nil. An
// undecodable envelope counts as absent.
func (s *BboltStore) live(b *bolt.Bucket, key string) []byte {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil
	}
	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil || env.expired(s.now()) {
		return nil
	}
	return append([]byte{}, env.Value...)
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

func (s *BboltStore) encode(value []byte, ttl time.Duration) ([]byte, error) {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = s.now().Add(ttl).UnixNano()
	}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// ---- Janitor ---------------------------------------------------------------

// PruneExpired deletes every entry whose deadline has passed.
// Corrupt envelopes are removed as well since no reader can use them.
func (s *BboltStore) PruneExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var env envelope
			if err := msgpack.Unmarshal(v, &env); err != nil || env.expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *BboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
