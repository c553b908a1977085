// Package counter holds the authoritative per-button reaction totals.
package counter

import (
	"context"
	"fmt"

	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/rs/zerolog"
)

// Store increments and reads button totals.
type Store interface {
	// Increment adds one to buttonID's total and returns the new value.
	Increment(ctx context.Context, buttonID string) (int64, error)
	// Read returns the current total, 0 for unknown buttons.
	Read(ctx context.Context, buttonID string) (int64, error)
}

const DefaultMaxRetries = 3

// KVStore keeps totals in a kv.Store, which has no atomic increment. Each
// increment writes current+1 and reads back; if a concurrent writer clobbered
// the value with a smaller one the increment is retried. Concurrent callers
// may still lose updates, but a single increment never adds more than one.
type KVStore struct {
	store      kv.Store
	maxRetries int
	log        zerolog.Logger
}

var _ Store = (*KVStore)(nil)

// NewKVStore wraps store. maxRetries below one uses DefaultMaxRetries.
func NewKVStore(store kv.Store, maxRetries int, log zerolog.Logger) *KVStore {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	return &KVStore{store: store, maxRetries: maxRetries, log: log}
}

func (s *KVStore) Read(ctx context.Context, buttonID string) (int64, error) {
	raw, err := s.store.Get(ctx, countKey(buttonID))
	if err != nil {
		return 0, fmt.Errorf("read count: %w", err)
	}
	return kv.Uint(raw), nil
}

func (s *KVStore) Increment(ctx context.Context, buttonID string) (int64, error) {
	key := countKey(buttonID)
	var written int64
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, err := s.Read(ctx, buttonID)
		if err != nil {
			metrics.CounterIncrements.WithLabelValues("error").Inc()
			return 0, err
		}
		written = current + 1
		if err := s.store.Put(ctx, key, kv.FormatUint(written), 0); err != nil {
			metrics.CounterIncrements.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("write count: %w", err)
		}
		if attempt == s.maxRetries {
			break
		}

		verified, err := s.Read(ctx, buttonID)
		if err != nil {
			metrics.CounterIncrements.WithLabelValues("error").Inc()
			return 0, err
		}
		if verified >= written {
			metrics.CounterIncrements.WithLabelValues("ok").Inc()
			return written, nil
		}
		metrics.CounterIncrements.WithLabelValues("retried").Inc()
		s.log.Debug().Str("button_id", buttonID).Int("attempt", attempt).
			Int64("written", written).Int64("verified", verified).Msg("count overwritten, retrying")
	}

	// Out of retries: report the last value written rather than failing.
	metrics.CounterIncrements.WithLabelValues("unverified").Inc()
	return written, nil
}

func countKey(buttonID string) string {
	return kv.Key(kv.ScopeCount, buttonID)
}
