package decision

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is the stored form of a blocked address.
type Entry struct {
	Origin     string    `msgpack:"origin"`
	Scenario   string    `msgpack:"scenario"`
	RecordedAt time.Time `msgpack:"recorded_at"`
}

type rangeEntry struct {
	prefix    netip.Prefix
	expiresAt time.Time
}

// Blocklist answers "is this client banned". Single addresses live in the
// shared store under block:<ip> so every replica sees them; ranges are few
// and kept in memory.
type Blocklist struct {
	store kv.Store
	now   func() time.Time

	mu     sync.RWMutex
	ranges map[string]rangeEntry
}

func NewBlocklist(store kv.Store, now func() time.Time) *Blocklist {
	if now == nil {
		now = time.Now
	}
	return &Blocklist{store: store, now: now, ranges: make(map[string]rangeEntry)}
}

// Apply records or lifts a filtered decision.
func (b *Blocklist) Apply(ctx context.Context, r FilterResult) error {
	if !r.Passed {
		return nil
	}
	switch r.Action {
	case "ban":
		if r.Range {
			b.mu.Lock()
			b.ranges[r.Value] = rangeEntry{prefix: netip.MustParsePrefix(r.Value), expiresAt: b.now().Add(r.TTL)}
			b.mu.Unlock()
			break
		}
		data, err := msgpack.Marshal(Entry{Origin: r.Origin, Scenario: r.Scenario, RecordedAt: b.now().UTC()})
		if err != nil {
			return fmt.Errorf("marshal block entry: %w", err)
		}
		if err := b.store.Put(ctx, blockKey(r.Value), data, r.TTL); err != nil {
			return fmt.Errorf("record block: %w", err)
		}
	case "delete":
		if r.Range {
			b.mu.Lock()
			delete(b.ranges, r.Value)
			b.mu.Unlock()
			break
		}
		if err := b.store.Delete(ctx, blockKey(r.Value)); err != nil {
			return fmt.Errorf("lift block: %w", err)
		}
	default:
		return fmt.Errorf("unsupported action %q", r.Action)
	}
	metrics.DecisionsProcessed.WithLabelValues(r.Action).Inc()
	return nil
}

// Blocked reports whether ip is banned. Unparseable input is never blocked.
func (b *Blocklist) Blocked(ctx context.Context, ip string) (bool, error) {
	canonical, isRange, err := ParseAndSanitize(ip)
	if err != nil || isRange {
		return false, nil
	}
	if b.inRange(netip.MustParseAddr(canonical)) {
		return true, nil
	}
	raw, err := b.store.Get(ctx, blockKey(canonical))
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return raw != nil, nil
}

// Lookup returns the stored entry for a single address, nil if not blocked.
func (b *Blocklist) Lookup(ctx context.Context, ip string) (*Entry, error) {
	raw, err := b.store.Get(ctx, blockKey(Canonical(ip)))
	if err != nil {
		return nil, fmt.Errorf("lookup block: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("unmarshal block entry: %w", err)
	}
	return &e, nil
}

// PruneRanges drops expired range bans and returns how many were removed.
func (b *Blocklist) PruneRanges() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, r := range b.ranges {
		if !now.Before(r.expiresAt) {
			delete(b.ranges, k)
			n++
		}
	}
	return n
}

// Ranges reports how many range bans are active.
func (b *Blocklist) Ranges() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ranges)
}

func (b *Blocklist) inRange(addr netip.Addr) bool {
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.ranges {
		if now.Before(r.expiresAt) && r.prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func blockKey(ip string) string {
	return kv.Key(kv.ScopeBlock, ip)
}
