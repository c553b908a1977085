// Package ratelimit admits or denies reaction requests using fixed one-minute
// windows per IP and per button, escalating bursting buttons to proof of work.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/GoodEggStudios/nice/internal/abuse"
	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/GoodEggStudios/nice/internal/pow"
	"github.com/rs/zerolog"
)

// Denial reasons.
const (
	ReasonIPLimit     = "ip_limit"
	ReasonButtonLimit = "button_limit"
	ReasonPowRequired = "pow_required"
	ReasonIPBanned    = "ip_banned"
)

// Config holds the per-minute limits. A nil Now uses time.Now.
type Config struct {
	IPLimit        int64 // requests per IP per minute
	ButtonLimit    int64 // requests per button per minute
	BurstThreshold int64 // button count that triggers proof of work
	WindowTTL      time.Duration
	Now            func() time.Time
}

// DefaultConfig returns 20/min per IP, 100/min per button and PoW above 500/min.
func DefaultConfig() Config {
	return Config{
		IPLimit:        20,
		ButtonLimit:    100,
		BurstThreshold: 500,
		WindowTTL:      60 * time.Second,
	}
}

// Result is an admission decision. RetryAfter is set for ip_limit and
// button_limit, Challenge for pow_required.
type Result struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Challenge  *pow.Challenge
}

// Blocklist reports IPs banned by an external decision source.
type Blocklist interface {
	Blocked(ctx context.Context, ip string) (bool, error)
}

// Limiter admits or denies reactions using fixed one-minute windows kept in
// a kv.Store.
type Limiter struct {
	store     kv.Store
	gate      *pow.Engine
	cfg       Config
	recorder  abuse.Recorder
	blocklist Blocklist
	log       zerolog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRecorder sends ip_limit denials to r.
func WithRecorder(r abuse.Recorder) Option { return func(l *Limiter) { l.recorder = r } }

// WithBlocklist denies IPs that b reports as blocked before any counting.
func WithBlocklist(b Blocklist) Option { return func(l *Limiter) { l.blocklist = b } }

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option { return func(l *Limiter) { l.log = log } }

// New returns a Limiter over store. gate issues challenges once a button
// bursts past cfg.BurstThreshold.
func New(store kv.Store, gate *pow.Engine, cfg Config, opts ...Option) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WindowTTL <= 0 {
		cfg.WindowTTL = time.Minute
	}
	l := &Limiter{store: store, gate: gate, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit decides whether ip may react on buttonID right now. Store failures
// are returned as errors and must be treated as a denial by the caller.
func (l *Limiter) Admit(ctx context.Context, ip, buttonID string) (Result, error) {
	if l.blocklist != nil {
		blocked, err := l.blocklist.Blocked(ctx, ip)
		if err != nil {
			return Result{}, fmt.Errorf("check blocklist: %w", err)
		}
		if blocked {
			return l.deny(Result{Reason: ReasonIPBanned}), nil
		}
	}

	now := l.cfg.Now()
	minute := strconv.FormatInt(now.Unix()/60, 10)
	ipHash := HashIP(ip)

	ipCount, err := l.increment(ctx, kv.Key(kv.ScopeIP, ipHash, minute))
	if err != nil {
		return Result{}, fmt.Errorf("count ip window: %w", err)
	}
	if ipCount > l.cfg.IPLimit {
		if l.recorder != nil {
			l.recorder.Record(ctx, abuse.Event{IPHash: ipHash, ButtonID: buttonID, Reason: ReasonIPLimit, At: now})
		}
		return l.deny(Result{Reason: ReasonIPLimit, RetryAfter: untilNextMinute(now)}), nil
	}

	buttonCount, err := l.increment(ctx, kv.Key(kv.ScopeButton, buttonID, minute))
	if err != nil {
		return Result{}, fmt.Errorf("count button window: %w", err)
	}
	state, err := l.gate.Load(ctx, buttonID)
	if err != nil {
		return Result{}, err
	}

	if state != nil && buttonCount < l.gate.ExitThreshold() {
		state, err = l.gate.Cooldown(ctx, buttonID, state)
		if err != nil {
			return Result{}, err
		}
	}

	if buttonCount > l.cfg.BurstThreshold || state != nil {
		ch, err := l.gate.Escalate(ctx, buttonID, buttonCount, state)
		if err != nil {
			return Result{}, err
		}
		return l.deny(Result{Reason: ReasonPowRequired, Challenge: &ch}), nil
	}

	if buttonCount > l.cfg.ButtonLimit {
		return l.deny(Result{Reason: ReasonButtonLimit, RetryAfter: untilNextMinute(now)}), nil
	}

	metrics.Admissions.WithLabelValues("allowed").Inc()
	return Result{Allowed: true}, nil
}

func (l *Limiter) deny(r Result) Result {
	metrics.Admissions.WithLabelValues(r.Reason).Inc()
	return r
}

// increment bumps a window counter with read-then-write. Concurrent callers
// can lose updates, which only makes the limit softer.
func (l *Limiter) increment(ctx context.Context, key string) (int64, error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n := kv.Uint(raw) + 1
	if err := l.store.Put(ctx, key, kv.FormatUint(n), l.cfg.WindowTTL); err != nil {
		return 0, err
	}
	return n, nil
}

// HashIP is the hex sha256 of ip. Raw addresses never reach the store.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// untilNextMinute is in (0, 1m].
func untilNextMinute(now time.Time) time.Duration {
	return time.Minute - time.Duration(now.UnixNano()%int64(time.Minute))
}
