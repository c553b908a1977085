// Package pow gates bursting buttons behind a hashcash-style proof of work.
//
// A button is either Normal (no state stored) or Gated (a State under
// pow:<buttonID>). Gated buttons hand out single-use challenges; a solution
// is a nonce such that sha256(challenge + nonce) starts with at least
// Difficulty zero bits.
package pow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"time"

	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Verification failure reasons.
const (
	ReasonInvalidOrExpired = "invalid_or_expired"
	ReasonInvalidSolution  = "invalid_solution"
)

// Tier maps an observed per-minute request count to a difficulty.
type Tier struct {
	Threshold  int64
	Difficulty int
}

// Config holds the escalation thresholds and lifetimes.
type Config struct {
	Tiers             []Tier
	DefaultDifficulty int
	ChallengeTTL      time.Duration
	StateTTL          time.Duration
	ExitThreshold     int64 // per-minute count below which a minute is "low traffic"
	CooldownMinutes   int
	Now               func() time.Time
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{Threshold: 5000, Difficulty: 20},
			{Threshold: 1000, Difficulty: 18},
			{Threshold: 500, Difficulty: 16},
		},
		DefaultDifficulty: 16,
		ChallengeTTL:      60 * time.Second,
		StateTTL:          10 * time.Minute,
		ExitThreshold:     100,
		CooldownMinutes:   5,
	}
}

// State is the persisted Gated state of one button.
type State struct {
	Active            bool      `msgpack:"active"`
	Difficulty        int       `msgpack:"difficulty"`
	Since             time.Time `msgpack:"since"`
	LastCheck         time.Time `msgpack:"last_check"`
	LowTrafficMinutes int       `msgpack:"low_traffic_minutes"`
}

// Challenge is what a gated client must solve.
type Challenge struct {
	Token      string    `json:"challenge"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Solution is a client's answer to a Challenge.
type Solution struct {
	Challenge string `json:"challenge"`
	Nonce     string `json:"nonce"`
}

// Verdict is the outcome of Verify. Error is one of the Err* reasons.
type Verdict struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type challengeRecord struct {
	ButtonID   string `msgpack:"button_id"`
	Difficulty int    `msgpack:"difficulty"`
}

// Engine drives the Normal/Gated state machine for every button.
type Engine struct {
	store kv.Store
	cfg   Config
	log   zerolog.Logger
}

func New(store kv.Store, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	tiers := append([]Tier(nil), cfg.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold > tiers[j].Threshold })
	cfg.Tiers = tiers
	return &Engine{store: store, cfg: cfg, log: log}
}

// ExitThreshold reports the count under which a minute counts as quiet.
func (e *Engine) ExitThreshold() int64 { return e.cfg.ExitThreshold }

// DifficultyFor picks the first tier whose threshold count reaches, falling
// back to the default difficulty below every tier.
func (e *Engine) DifficultyFor(count int64) int {
	for _, t := range e.cfg.Tiers {
		if count >= t.Threshold {
			return t.Difficulty
		}
	}
	return e.cfg.DefaultDifficulty
}

// Load returns the button's Gated state, or nil when it is Normal.
// A state that cannot be decoded is treated as Normal.
func (e *Engine) Load(ctx context.Context, buttonID string) (*State, error) {
	raw, err := e.store.Get(ctx, stateKey(buttonID))
	if err != nil {
		return nil, fmt.Errorf("load pow state: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var st State
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		e.log.Warn().Err(err).Str("button_id", buttonID).Msg("discarding undecodable pow state")
		return nil, nil
	}
	if !st.Active {
		return nil, nil
	}
	return &st, nil
}

// Escalate puts (or keeps) the button in Gated state at the difficulty for
// count, then issues a fresh challenge. st is the previously loaded state,
// nil when the button is entering Gated now.
func (e *Engine) Escalate(ctx context.Context, buttonID string, count int64, st *State) (Challenge, error) {
	now := e.cfg.Now()
	next := State{Since: now, LastCheck: now}
	if st != nil {
		next = *st
	} else {
		metrics.PowTransitions.WithLabelValues("gated").Inc()
		e.log.Info().Str("button_id", buttonID).Int64("count", count).Msg("button gated behind proof of work")
	}
	next.Active = true
	next.Difficulty = e.DifficultyFor(count)
	if count >= e.cfg.ExitThreshold {
		// A busy minute must never be credited as quiet later.
		next.LastCheck = now
	}
	if err := e.save(ctx, buttonID, next); err != nil {
		return Challenge{}, err
	}
	return e.Issue(ctx, buttonID, next.Difficulty)
}

// Issue creates a single-use challenge bound to buttonID.
func (e *Engine) Issue(ctx context.Context, buttonID string, difficulty int) (Challenge, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	data, err := msgpack.Marshal(challengeRecord{ButtonID: buttonID, Difficulty: difficulty})
	if err != nil {
		return Challenge{}, fmt.Errorf("marshal challenge: %w", err)
	}
	if err := e.store.Put(ctx, challengeKey(token), data, e.cfg.ChallengeTTL); err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	metrics.PowChallengesIssued.WithLabelValues(strconv.Itoa(difficulty)).Inc()
	return Challenge{
		Token:      token,
		Difficulty: difficulty,
		ExpiresAt:  e.cfg.Now().Add(e.cfg.ChallengeTTL).UTC(),
	}, nil
}

// Verify checks a solution against a challenge issued for buttonID.
// Client mistakes come back as an invalid Verdict; only store failures are
// returned as errors.
func (e *Engine) Verify(ctx context.Context, buttonID string, sol Solution) (Verdict, error) {
	if sol.Challenge == "" {
		return e.verdict(ReasonInvalidOrExpired), nil
	}
	key := challengeKey(sol.Challenge)
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		return Verdict{}, fmt.Errorf("load challenge: %w", err)
	}
	if raw == nil {
		return e.verdict(ReasonInvalidOrExpired), nil
	}
	var rec challengeRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil || rec.ButtonID != buttonID {
		return e.verdict(ReasonInvalidOrExpired), nil
	}

	required := rec.Difficulty
	st, err := e.Load(ctx, buttonID)
	if err != nil {
		return Verdict{}, err
	}
	if st != nil {
		required = st.Difficulty
	}

	sum := sha256.Sum256([]byte(sol.Challenge + sol.Nonce))
	if LeadingZeroBits(sum[:]) < required {
		return e.verdict(ReasonInvalidSolution), nil
	}

	if err := e.store.Delete(ctx, key); err != nil {
		return Verdict{}, fmt.Errorf("consume challenge: %w", err)
	}
	metrics.PowVerifications.WithLabelValues("valid").Inc()
	return Verdict{Valid: true}, nil
}

// Cooldown credits whole quiet minutes elapsed since the last check. Once
// CooldownMinutes have accumulated the state is deleted and nil is returned;
// otherwise the updated state is returned.
func (e *Engine) Cooldown(ctx context.Context, buttonID string, st *State) (*State, error) {
	if st == nil {
		return nil, nil
	}
	now := e.cfg.Now()
	elapsed := int(now.Sub(st.LastCheck) / time.Minute)
	if elapsed < 1 {
		return st, nil
	}

	next := *st
	next.LowTrafficMinutes += elapsed
	next.LastCheck = now

	if next.LowTrafficMinutes >= e.cfg.CooldownMinutes {
		if err := e.store.Delete(ctx, stateKey(buttonID)); err != nil {
			return nil, fmt.Errorf("clear pow state: %w", err)
		}
		metrics.PowTransitions.WithLabelValues("normal").Inc()
		e.log.Info().Str("button_id", buttonID).
			Dur("gated_for", now.Sub(st.Since)).Msg("button returned to normal")
		return nil, nil
	}
	if err := e.save(ctx, buttonID, next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (e *Engine) save(ctx context.Context, buttonID string, st State) error {
	data, err := msgpack.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal pow state: %w", err)
	}
	if err := e.store.Put(ctx, stateKey(buttonID), data, e.cfg.StateTTL); err != nil {
		return fmt.Errorf("save pow state: %w", err)
	}
	return nil
}

func (e *Engine) verdict(reason string) Verdict {
	metrics.PowVerifications.WithLabelValues(reason).Inc()
	return Verdict{Valid: false, Error: reason}
}

// LeadingZeroBits counts zero bits from the start of digest up to the first
// set bit.
func LeadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

func stateKey(buttonID string) string { return kv.Key(kv.ScopePow, buttonID) }
func challengeKey(token string) string { return kv.Key(kv.ScopeChallenge, token) }
