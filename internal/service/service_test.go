package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/GoodEggStudios/nice/internal/config"
	"github.com/GoodEggStudios/nice/internal/decision"
	"github.com/GoodEggStudios/nice/internal/engine"
	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/ratelimit"
	"github.com/GoodEggStudios/nice/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:           "127.0.0.1:0",
		HealthAddr:           "127.0.0.1:0",
		LogLevel:             "info",
		LogFormat:            "json",
		StoreBackend:         "bbolt",
		StoreTimeout:         time.Second,
		CounterBackend:       "kv",
		CounterMaxRetries:    3,
		IPLimitPerMinute:     20,
		ButtonLimitPerMinute: 100,
		BurstThreshold:       500,
		PowExitThreshold:     100,
		PowCooldownMinutes:   5,
		PowTiers:             "5000:20,1000:18,500:16",
		PowDefaultDifficulty: 16,
		PowChallengeTTL:      time.Minute,
		PowStateTTL:          10 * time.Minute,
		DedupeTTL:            24 * time.Hour,
		MasterSecret:         "service-test-secret",
		AbuseLogTTL:          time.Hour,
		PoolWorkers:          1,
		PoolQueueDepth:       16,
		PoolMaxRetries:       1,
		PoolRetryBase:        time.Millisecond,
		CrowdSecLAPIURL:      "http://127.0.0.1:1",
		CrowdSecLAPIKey:      "lapi-key-for-tests",
		CrowdSecPollInterval: 30 * time.Second,
		LAPIMetricsInterval:  0,
		BlockDefaultTTL:      4 * time.Hour,
		JanitorInterval:      time.Minute,
	}
}

func TestEngineConfigMapping(t *testing.T) {
	cfg := testConfig()
	cfg.PowTiers = "500:16,5000:22"
	ec, err := EngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ec.RateLimit.IPLimit != 20 || ec.RateLimit.ButtonLimit != 100 || ec.RateLimit.BurstThreshold != 500 {
		t.Errorf("rate limits not mapped: %+v", ec.RateLimit)
	}
	if len(ec.Pow.Tiers) != 2 || ec.Pow.Tiers[0].Threshold != 5000 || ec.Pow.Tiers[0].Difficulty != 22 {
		t.Errorf("tiers should be sorted by descending threshold: %+v", ec.Pow.Tiers)
	}
	if ec.Pow.ExitThreshold != 100 || ec.Pow.CooldownMinutes != 5 || ec.Pow.StateTTL != 10*time.Minute {
		t.Errorf("pow config not mapped: %+v", ec.Pow)
	}
	if ec.MasterSecret != "service-test-secret" || ec.DedupeTTL != 24*time.Hour {
		t.Errorf("dedupe config not mapped: %+v", ec)
	}
}

func TestEngineConfigRejectsBadTiers(t *testing.T) {
	cfg := testConfig()
	cfg.PowTiers = "lots:of"
	if _, err := EngineConfig(cfg); err == nil {
		t.Error("expected an error for malformed tiers")
	}
}

func TestFilterConfigMapping(t *testing.T) {
	cfg := testConfig()
	cfg.BlockWhitelist = []string{"203.0.113.0/24"}
	cfg.CrowdSecOrigins = []string{"crowdsec"}
	fc, err := FilterConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !fc.Whitelist.Contains("203.0.113.4") {
		t.Error("whitelist not mapped")
	}
	if len(fc.AllowedOrigins) != 1 || fc.DefaultTTL != 4*time.Hour {
		t.Errorf("unexpected filter config %+v", fc)
	}

	cfg.BlockWhitelist = []string{"not-a-cidr"}
	if _, err := FilterConfig(cfg); err == nil {
		t.Error("expected whitelist parse error")
	}
}

func TestOpenCounterDefaultsToKV(t *testing.T) {
	counts, sqlite, err := OpenCounter(testConfig())
	if err != nil || counts != nil || sqlite != nil {
		t.Errorf("OpenCounter(kv) = %v, %v, %v", counts, sqlite, err)
	}
}

func TestOpenStoreBbolt(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	store, bolt, err := OpenStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if bolt == nil {
		t.Error("bbolt backend should return a pruner")
	}
}

func TestHealthEndpoints(t *testing.T) {
	store := testutil.NewMockStore(nil)
	s, err := build(testConfig(), store, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h := s.healthHandler()

	for path, want := range map[string]string{"/healthz": "ok", "/readyz": "ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Errorf("GET %s = %d %q", path, rec.Code, rec.Body.String())
		}
	}
	if store.Calls("Put") == 0 || store.Calls("Get") == 0 {
		t.Error("readiness should round-trip the store")
	}
}

func TestReadyzFailsWhenStoreDown(t *testing.T) {
	store := testutil.NewMockStore(nil)
	s, err := build(testConfig(), store, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	store.FailAll(kv.ErrUnavailable)

	rec := httptest.NewRecorder()
	s.healthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
	if err := s.Ready(context.Background()); !errors.Is(err, kv.ErrUnavailable) {
		t.Errorf("Ready() = %v, want ErrUnavailable", err)
	}
}

func TestBuildWithoutCrowdSec(t *testing.T) {
	s, err := build(testConfig(), testutil.NewMockStore(nil), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s.stream != nil || s.blocklist != nil || s.reporter != nil {
		t.Error("CrowdSec components should be absent when disabled")
	}
	if s.Engine() == nil || s.janitor == nil {
		t.Error("engine and janitor are always built")
	}
}

func TestBuildWithCrowdSecBlocksBannedIP(t *testing.T) {
	cfg := testConfig()
	cfg.CrowdSecEnabled = true
	s, err := build(cfg, testutil.NewMockStore(nil), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s.stream == nil || s.feed == nil || s.reporter == nil {
		t.Fatal("CrowdSec components should be built when enabled")
	}

	ctx := context.Background()
	err = s.blocklist.Apply(ctx, decision.FilterResult{
		Passed: true, Action: "ban", Value: "203.0.113.50", Origin: "crowdsec", TTL: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := s.Engine().RecordNice(ctx, engine.Request{IP: "203.0.113.50", ButtonID: "n_abcdefgh"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusDenied || out.Reason != ratelimit.ReasonIPBanned {
		t.Errorf("banned IP outcome = %+v", out)
	}

	out, err = s.Engine().RecordNice(ctx, engine.Request{IP: "203.0.113.51", ButtonID: "n_abcdefgh"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engine.StatusCounted || out.Count != 1 {
		t.Errorf("clean IP outcome = %+v", out)
	}
}

func TestBuildRejectsBadWhitelist(t *testing.T) {
	cfg := testConfig()
	cfg.CrowdSecEnabled = true
	cfg.BlockWhitelist = []string{"nope"}
	if _, err := build(cfg, testutil.NewMockStore(nil), nil, nil, zerolog.Nop()); err == nil {
		t.Error("expected build to fail on a bad whitelist")
	}
}
