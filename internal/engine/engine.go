// Package engine is the boundary the HTTP layer talks to. It wires the rate
// limiter, proof-of-work gate, visitor dedupe and counter into the "record a
// reaction" flow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoodEggStudios/nice/internal/counter"
	"github.com/GoodEggStudios/nice/internal/decision"
	"github.com/GoodEggStudios/nice/internal/dedupe"
	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/pow"
	"github.com/GoodEggStudios/nice/internal/ratelimit"
	"github.com/GoodEggStudios/nice/internal/salt"
	"github.com/rs/zerolog"
)

// ErrInvalidButtonID rejects IDs that could escape their key namespace.
var ErrInvalidButtonID = errors.New("engine: invalid button id")

const maxButtonIDLen = 64

// ReasonAlreadyNiced is reported when a visitor reacts twice in a day.
const ReasonAlreadyNiced = "already_niced"

// Config collects the thresholds of every component.
type Config struct {
	RateLimit      ratelimit.Config
	Pow            pow.Config
	DedupeTTL      time.Duration
	CounterRetries int
	MasterSecret   string // optional seed for the salt master secret
	Now            func() time.Time
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		RateLimit:      ratelimit.DefaultConfig(),
		Pow:            pow.DefaultConfig(),
		DedupeTTL:      dedupe.DefaultTTL,
		CounterRetries: counter.DefaultMaxRetries,
	}
}

// Engine runs a reaction through admission, proof of work, dedupe and the
// counter, in that order.
type Engine struct {
	limiter *ratelimit.Limiter
	gate    *pow.Engine
	dedupe  *dedupe.Engine
	counts  counter.Store
	log     zerolog.Logger
}

// New builds an Engine over store. A nil counts keeps totals in store too.
func New(store kv.Store, counts counter.Store, cfg Config, log zerolog.Logger, opts ...ratelimit.Option) *Engine {
	if cfg.Now != nil {
		cfg.RateLimit.Now = cfg.Now
		cfg.Pow.Now = cfg.Now
	}
	if counts == nil {
		counts = counter.NewKVStore(store, cfg.CounterRetries, log.With().Str("component", "counter").Logger())
	}
	saltOpts := []salt.Option{salt.WithSeed(cfg.MasterSecret)}
	if cfg.Now != nil {
		saltOpts = append(saltOpts, salt.WithClock(cfg.Now))
	}

	gate := pow.New(store, cfg.Pow, log.With().Str("component", "pow").Logger())
	opts = append([]ratelimit.Option{ratelimit.WithLogger(log)}, opts...)
	return &Engine{
		limiter: ratelimit.New(store, gate, cfg.RateLimit, opts...),
		gate:    gate,
		dedupe:  dedupe.New(store, salt.New(store, saltOpts...), cfg.DedupeTTL),
		counts:  counts,
		log:     log,
	}
}

// ---- Boundary operations ---------------------------------------------------

// CheckRateLimit admits or denies one request from ip on buttonID.
func (e *Engine) CheckRateLimit(ctx context.Context, ip, buttonID string) (ratelimit.Result, error) {
	if err := ValidateButtonID(buttonID); err != nil {
		return ratelimit.Result{}, err
	}
	return e.limiter.Admit(ctx, decision.Canonical(ip), buttonID)
}

// ValidatePowSolution checks and consumes a proof-of-work solution.
func (e *Engine) ValidatePowSolution(ctx context.Context, buttonID string, sol pow.Solution) (pow.Verdict, error) {
	if err := ValidateButtonID(buttonID); err != nil {
		return pow.Verdict{}, err
	}
	return e.gate.Verify(ctx, buttonID, sol)
}

// ShouldCountVisitor records the visitor and reports whether it is new today.
func (e *Engine) ShouldCountVisitor(ctx context.Context, ip, fingerprint, buttonID string) (dedupe.Result, error) {
	if err := ValidateButtonID(buttonID); err != nil {
		return dedupe.Result{}, err
	}
	return e.dedupe.ShouldCount(ctx, decision.Canonical(ip), fingerprint, buttonID)
}

// IncrementCount adds one reaction to buttonID.
func (e *Engine) IncrementCount(ctx context.Context, buttonID string) (int64, error) {
	if err := ValidateButtonID(buttonID); err != nil {
		return 0, err
	}
	return e.counts.Increment(ctx, buttonID)
}

// ---- Flows -----------------------------------------------------------------

// Status summarises what RecordNice did.
type Status int

const (
	StatusCounted Status = iota
	StatusAlreadyCounted
	StatusDenied     // rate limited, PoW required or banned; see Outcome.Limit
	StatusInvalidPow // a solution was attached but rejected; see Outcome.Verdict
)

// Request is one reaction attempt.
type Request struct {
	IP          string
	Fingerprint string
	ButtonID    string
	Solution    *pow.Solution
}

// Outcome is the result of RecordNice. Count is set for StatusCounted and
// StatusAlreadyCounted.
type Outcome struct {
	Status  Status
	Count   int64
	Reason  string
	Limit   ratelimit.Result
	Verdict pow.Verdict
}

// RecordNice runs the full flow: rate limit, proof of work when the button is
// gated and a solution is attached, visitor dedupe, then the increment.
func (e *Engine) RecordNice(ctx context.Context, req Request) (Outcome, error) {
	if err := ValidateButtonID(req.ButtonID); err != nil {
		return Outcome{}, err
	}
	ip := decision.Canonical(req.IP)

	limit, err := e.limiter.Admit(ctx, ip, req.ButtonID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check rate limit: %w", err)
	}
	if !limit.Allowed {
		if limit.Reason != ratelimit.ReasonPowRequired || req.Solution == nil {
			return Outcome{Status: StatusDenied, Reason: limit.Reason, Limit: limit}, nil
		}
		verdict, err := e.gate.Verify(ctx, req.ButtonID, *req.Solution)
		if err != nil {
			return Outcome{}, fmt.Errorf("verify proof of work: %w", err)
		}
		if !verdict.Valid {
			return Outcome{Status: StatusInvalidPow, Reason: verdict.Error, Verdict: verdict}, nil
		}
	}

	visitor, err := e.dedupe.ShouldCount(ctx, ip, req.Fingerprint, req.ButtonID)
	if err != nil {
		return Outcome{}, fmt.Errorf("dedupe visitor: %w", err)
	}
	if !visitor.IsNew {
		count, err := e.counts.Read(ctx, req.ButtonID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusAlreadyCounted, Count: count, Reason: ReasonAlreadyNiced}, nil
	}

	count, err := e.counts.Increment(ctx, req.ButtonID)
	if err != nil {
		return Outcome{}, fmt.Errorf("increment count: %w", err)
	}
	e.log.Debug().Str("button_id", req.ButtonID).Int64("count", count).Msg("reaction counted")
	return Outcome{Status: StatusCounted, Count: count}, nil
}

// CountResult is the public view of a button.
type CountResult struct {
	Count    int64
	HasNiced bool
}

// Count reads the total and whether this visitor already reacted today.
// The visitor check is skipped when ip is empty.
func (e *Engine) Count(ctx context.Context, ip, fingerprint, buttonID string) (CountResult, error) {
	if err := ValidateButtonID(buttonID); err != nil {
		return CountResult{}, err
	}
	count, err := e.counts.Read(ctx, buttonID)
	if err != nil {
		return CountResult{}, err
	}
	res := CountResult{Count: count}
	if strings.TrimSpace(ip) == "" {
		return res, nil
	}
	res.HasNiced, err = e.dedupe.HasCounted(ctx, decision.Canonical(ip), fingerprint, buttonID)
	if err != nil {
		return CountResult{}, err
	}
	return res, nil
}

// ValidateButtonID rejects IDs that are empty, too long, or contain the key
// separator.
func ValidateButtonID(id string) error {
	if id == "" || len(id) > maxButtonIDLen || strings.ContainsRune(id, ':') {
		return fmt.Errorf("%w: %q", ErrInvalidButtonID, id)
	}
	return nil
}
