package engine_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/GoodEggStudios/nice/internal/engine"
	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/pow"
	"github.com/GoodEggStudios/nice/internal/ratelimit"
	"github.com/GoodEggStudios/nice/internal/testutil"
	"github.com/rs/zerolog"
)

func newEngine(t *testing.T, mutate func(*engine.Config)) (*engine.Engine, *testutil.MockStore, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 2, 18, 12, 0, 5, 0, time.UTC))
	store := testutil.NewMockStore(clock.Now)
	cfg := engine.DefaultConfig()
	cfg.Now = clock.Now
	cfg.MasterSecret = "test-secret"
	if mutate != nil {
		mutate(&cfg)
	}
	return engine.New(store, nil, cfg, zerolog.Nop()), store, clock
}

func cheapPow(c *engine.Config) {
	c.Pow.Tiers = []pow.Tier{{Threshold: 500, Difficulty: 8}}
	c.Pow.DefaultDifficulty = 8
}

func solve(challenge string, difficulty int) string {
	for i := 0; ; i++ {
		nonce := strconv.Itoa(i)
		sum := sha256.Sum256([]byte(challenge + nonce))
		if pow.LeadingZeroBits(sum[:]) >= difficulty {
			return nonce
		}
	}
}

func TestRecordNiceCountsOncePerVisitor(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()
	req := engine.Request{IP: "1.2.3.4", Fingerprint: "fp", ButtonID: "n_abc"}

	out, err := e.RecordNice(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusCounted || out.Count != 1 {
		t.Fatalf("first reaction: %+v", out)
	}

	out, err = e.RecordNice(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusAlreadyCounted || out.Count != 1 || out.Reason != engine.ReasonAlreadyNiced {
		t.Fatalf("second reaction: %+v", out)
	}

	// Another visitor still counts.
	out, _ = e.RecordNice(ctx, engine.Request{IP: "5.6.7.8", ButtonID: "n_abc"})
	if out.Status != engine.StatusCounted || out.Count != 2 {
		t.Fatalf("second visitor: %+v", out)
	}
}

func TestIPCanonicalisedBeforeDedupe(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()

	_, _ = e.RecordNice(ctx, engine.Request{IP: "203.0.113.7", ButtonID: "n_abc"})
	out, err := e.RecordNice(ctx, engine.Request{IP: "::ffff:203.0.113.7", ButtonID: "n_abc"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusAlreadyCounted {
		t.Errorf("mapped form of the same address should dedupe, got %+v", out)
	}
}

func TestSequentialIncrementsReadBack(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		if _, err := e.IncrementCount(ctx, "n_quiet"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := e.Count(ctx, "", "", "n_quiet")
	if err != nil || res.Count != 40 {
		t.Fatalf("Count = %+v, %v; want 40", res, err)
	}
}

func TestCheckRateLimitScenario(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		res, err := e.CheckRateLimit(ctx, "1.2.3.4", "n_abc")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: %+v, %v", i, res, err)
		}
	}
	res, err := e.CheckRateLimit(ctx, "1.2.3.4", "n_abc")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != ratelimit.ReasonIPLimit {
		t.Fatalf("request 21: %+v", res)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("RetryAfter %v", res.RetryAfter)
	}
}

func TestShouldCountVisitorBoundary(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()
	first, err := e.ShouldCountVisitor(ctx, "1.2.3.4", "fp", "n_abc")
	if err != nil || !first.IsNew {
		t.Fatalf("first: %+v, %v", first, err)
	}
	second, err := e.ShouldCountVisitor(ctx, "1.2.3.4", "fp", "n_abc")
	if err != nil || second.IsNew {
		t.Fatalf("second: %+v, %v", second, err)
	}
}

func gate(t *testing.T, e *engine.Engine, button string) *pow.Challenge {
	t.Helper()
	var ch *pow.Challenge
	for i := 1; i <= 501; i++ {
		res, err := e.CheckRateLimit(context.Background(), fmt.Sprintf("198.51.%d.%d", i/256, i%256), button)
		if err != nil {
			t.Fatal(err)
		}
		ch = res.Challenge
	}
	if ch == nil {
		t.Fatal("expected a challenge after 501 requests")
	}
	return ch
}

func TestRecordNiceWithProofOfWork(t *testing.T) {
	e, _, _ := newEngine(t, cheapPow)
	ctx := context.Background()
	gate(t, e, "n_hot")

	// Without a solution the request is gated.
	out, err := e.RecordNice(ctx, engine.Request{IP: "192.0.2.50", ButtonID: "n_hot"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusDenied || out.Reason != ratelimit.ReasonPowRequired || out.Limit.Challenge == nil {
		t.Fatalf("expected pow_required with a challenge, got %+v", out)
	}

	ch := out.Limit.Challenge
	sol := &pow.Solution{Challenge: ch.Token, Nonce: solve(ch.Token, ch.Difficulty)}
	out, err = e.RecordNice(ctx, engine.Request{IP: "192.0.2.50", ButtonID: "n_hot", Solution: sol})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusCounted || out.Count != 1 {
		t.Fatalf("solved request should count, got %+v", out)
	}

	// Replaying the same solution fails.
	out, err = e.RecordNice(ctx, engine.Request{IP: "192.0.2.51", ButtonID: "n_hot", Solution: sol})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusInvalidPow || out.Reason != pow.ReasonInvalidOrExpired {
		t.Fatalf("replay should be invalid_or_expired, got %+v", out)
	}
}

func TestValidatePowSolutionRejectsWeakNonce(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ch := gate(t, e, "n_abc")
	if ch.Difficulty != 16 {
		t.Fatalf("difficulty = %d, want 16", ch.Difficulty)
	}
	var nonce string
	for i := 0; ; i++ {
		nonce = "w" + strconv.Itoa(i)
		sum := sha256.Sum256([]byte(ch.Token + nonce))
		if pow.LeadingZeroBits(sum[:]) < 16 {
			break
		}
	}
	v, err := e.ValidatePowSolution(context.Background(), "n_abc", pow.Solution{Challenge: ch.Token, Nonce: nonce})
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.Error != pow.ReasonInvalidSolution {
		t.Errorf("expected invalid_solution, got %+v", v)
	}
}

func TestCountReportsHasNiced(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()

	res, err := e.Count(ctx, "1.2.3.4", "fp", "n_abc")
	if err != nil || res.Count != 0 || res.HasNiced {
		t.Fatalf("before: %+v, %v", res, err)
	}
	_, _ = e.RecordNice(ctx, engine.Request{IP: "1.2.3.4", Fingerprint: "fp", ButtonID: "n_abc"})

	res, _ = e.Count(ctx, "1.2.3.4", "fp", "n_abc")
	if res.Count != 1 || !res.HasNiced {
		t.Errorf("after: %+v", res)
	}
	res, _ = e.Count(ctx, "1.2.3.4", "other-device", "n_abc")
	if res.HasNiced {
		t.Error("another fingerprint has not reacted")
	}
}

func TestInvalidButtonIDs(t *testing.T) {
	e, store, _ := newEngine(t, nil)
	ctx := context.Background()

	for _, id := range []string{"", "n_abc:nice", strings.Repeat("x", 65)} {
		if _, err := e.RecordNice(ctx, engine.Request{IP: "1.2.3.4", ButtonID: id}); !errors.Is(err, engine.ErrInvalidButtonID) {
			t.Errorf("RecordNice(%q): expected ErrInvalidButtonID, got %v", id, err)
		}
		if _, err := e.IncrementCount(ctx, id); !errors.Is(err, engine.ErrInvalidButtonID) {
			t.Errorf("IncrementCount(%q): expected ErrInvalidButtonID, got %v", id, err)
		}
	}
	if store.Calls("Put") != 0 {
		t.Error("invalid IDs must not reach the store")
	}
	if err := engine.ValidateButtonID(strings.Repeat("x", 64)); err != nil {
		t.Errorf("64 bytes should be accepted: %v", err)
	}
}

func TestStoreOutageNeverCounts(t *testing.T) {
	e, store, _ := newEngine(t, nil)
	store.FailAll(&kv.StoreError{Op: "get", Err: errors.New("unreachable")})

	_, err := e.RecordNice(context.Background(), engine.Request{IP: "1.2.3.4", ButtonID: "n_abc"})
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	store.FailAll(nil)
	res, err := e.Count(context.Background(), "", "", "n_abc")
	if err != nil || res.Count != 0 {
		t.Errorf("nothing should be counted during the outage: %+v, %v", res, err)
	}
}

func TestDedupeFailureDoesNotIncrement(t *testing.T) {
	e, store, _ := newEngine(t, nil)
	ctx := context.Background()

	// Let the rate-limit writes through, then fail the dedupe record write.
	store.AfterPut = func(key string, _ []byte) {
		if strings.HasPrefix(key, "button:") {
			store.SetError("Put", &kv.StoreError{Op: "put", Err: errors.New("down")})
		}
	}
	_, err := e.RecordNice(ctx, engine.Request{IP: "1.2.3.4", ButtonID: "n_abc"})
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	store.AfterPut = nil
	if _, ok := store.Raw("count:n_abc"); ok {
		t.Error("count must not be written when dedupe fails")
	}
}
