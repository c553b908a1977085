// Package abuse keeps a short-lived, per-IP log of denied requests for later
// inspection. Writes are best effort and never influence admission.
package abuse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/GoodEggStudios/nice/internal/pool"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTTL is how long an hourly bucket is retained.
const DefaultTTL = 7 * 24 * time.Hour

// Event is one denied request.
type Event struct {
	IPHash   string    `msgpack:"-"`
	ButtonID string    `msgpack:"button_id"`
	Reason   string    `msgpack:"reason"`
	At       time.Time `msgpack:"at"`
}

// Recorder accepts abuse events without reporting failure to the caller.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Log appends events to hourly buckets keyed by hashed IP.
type Log struct {
	store kv.Store
	ttl   time.Duration
}

func NewLog(store kv.Store, ttl time.Duration) *Log {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Log{store: store, ttl: ttl}
}

// Append adds ev to the bucket for its hour. Concurrent appends to the same
// bucket may lose events.
func (l *Log) Append(ctx context.Context, ev Event) error {
	key := bucketKey(ev.IPHash, ev.At)
	events, err := l.read(ctx, key)
	if err != nil {
		return err
	}
	events = append(events, ev)
	data, err := msgpack.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal abuse events: %w", err)
	}
	if err := l.store.Put(ctx, key, data, l.ttl); err != nil {
		return fmt.Errorf("write abuse log: %w", err)
	}
	metrics.AbuseEvents.WithLabelValues(ev.Reason).Inc()
	return nil
}

// List returns the events recorded for ipHash during the hour containing at.
func (l *Log) List(ctx context.Context, ipHash string, at time.Time) ([]Event, error) {
	events, err := l.read(ctx, bucketKey(ipHash, at))
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].IPHash = ipHash
	}
	return events, nil
}

func (l *Log) read(ctx context.Context, key string) ([]Event, error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read abuse log: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var events []Event
	if err := msgpack.Unmarshal(raw, &events); err != nil {
		// A damaged bucket is restarted rather than blocking new events.
		return nil, nil
	}
	return events, nil
}

func bucketKey(ipHash string, at time.Time) string {
	return kv.Key(kv.ScopeAbuse, ipHash, strconv.FormatInt(at.Unix()/3600, 10))
}

// ---- Async -----------------------------------------------------------------

// AsyncLog hands events to a worker pool so a slow store never delays the
// request that triggered them. A full queue drops the event.
type AsyncLog struct {
	log  *Log
	pool *pool.Pool
	zl   zerolog.Logger
}

// NewAsync builds the pool that drains events into l.
func NewAsync(l *Log, cfg pool.Config, zl zerolog.Logger) (*AsyncLog, error) {
	a := &AsyncLog{log: l, zl: zl}
	p, err := pool.New(cfg, a.handle, zl.With().Str("component", "abuse_log").Logger())
	if err != nil {
		return nil, fmt.Errorf("create abuse log pool: %w", err)
	}
	a.pool = p
	return a, nil
}

func (a *AsyncLog) Start(ctx context.Context) { a.pool.Start(ctx) }

// Stop refuses new events and waits, at most until ctx ends, for the queue
// to drain.
func (a *AsyncLog) Stop(ctx context.Context) error { return a.pool.Stop(ctx) }

func (a *AsyncLog) Depth() int { return a.pool.Depth() }

// Record enqueues ev. It never blocks.
func (a *AsyncLog) Record(_ context.Context, ev Event) {
	a.pool.Enqueue(pool.Job{
		Action:   pool.ActionAbuseLog,
		IPHash:   ev.IPHash,
		ButtonID: ev.ButtonID,
		Reason:   ev.Reason,
		At:       ev.At,
	})
}

func (a *AsyncLog) handle(ctx context.Context, job pool.Job) error {
	return a.log.Append(ctx, Event{
		IPHash:   job.IPHash,
		ButtonID: job.ButtonID,
		Reason:   job.Reason,
		At:       job.At,
	})
}

// SyncRecorder writes through l on the caller's goroutine and logs failures.
type SyncRecorder struct {
	Log    *Log
	Logger zerolog.Logger
}

func (s SyncRecorder) Record(ctx context.Context, ev Event) {
	if err := s.Log.Append(ctx, ev); err != nil {
		s.Logger.Warn().Err(err).Str("button_id", ev.ButtonID).Str("reason", ev.Reason).
			Msg("abuse log write failed")
	}
}
