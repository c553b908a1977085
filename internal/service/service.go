// Package service wires the reaction engine, its stores and the background
// workers into one runnable process.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/GoodEggStudios/nice/internal/abuse"
	"github.com/GoodEggStudios/nice/internal/api"
	"github.com/GoodEggStudios/nice/internal/config"
	"github.com/GoodEggStudios/nice/internal/counter"
	"github.com/GoodEggStudios/nice/internal/decision"
	"github.com/GoodEggStudios/nice/internal/engine"
	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/lapi_metrics"
	"github.com/GoodEggStudios/nice/internal/ratelimit"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

const shutdownTimeout = 5 * time.Second

var readyKey = kv.Key(kv.ScopeConfig, "readyz")

// Service owns every long-running component of the process.
type Service struct {
	cfg    *config.Config
	raw    kv.Store
	store  kv.Store
	sqlite *counter.SQLiteStore

	engine    *engine.Engine
	abuse     *abuse.AsyncLog
	blocklist *decision.Blocklist
	janitor   *Janitor
	feed      *decisionFeed
	stream    *csbouncer.StreamBouncer
	reporter  *lapi_metrics.Reporter

	log zerolog.Logger
}

// New opens the configured backends and builds a ready-to-run Service.
func New(cfg *config.Config, log zerolog.Logger) (*Service, error) {
	raw, bolt, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	counts, sqlite, err := OpenCounter(cfg)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	var pruner Pruner
	if bolt != nil {
		pruner = bolt
	}
	s, err := build(cfg, raw, pruner, counts, log)
	if err != nil {
		if sqlite != nil {
			_ = sqlite.Close()
		}
		_ = raw.Close()
		return nil, err
	}
	s.sqlite = sqlite
	return s, nil
}

// build assembles the Service over already-open backends.
func build(cfg *config.Config, raw kv.Store, pruner Pruner, counts counter.Store, log zerolog.Logger) (*Service, error) {
	ec, err := EngineConfig(cfg)
	if err != nil {
		return nil, err
	}

	store := kv.WithTimeout(raw, cfg.StoreTimeout)
	abuseLog, err := abuse.NewAsync(abuse.NewLog(store, cfg.AbuseLogTTL), poolConfig(cfg), log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:   cfg,
		raw:   raw,
		store: store,
		abuse: abuseLog,
		log:   log,
	}

	opts := []ratelimit.Option{ratelimit.WithRecorder(abuseLog)}
	if cfg.CrowdSecEnabled {
		fc, err := FilterConfig(cfg)
		if err != nil {
			return nil, err
		}
		s.blocklist = decision.NewBlocklist(store, nil)
		s.feed = &decisionFeed{blocklist: s.blocklist, filterCfg: fc, log: component(log, "crowdsec")}

		skipVerify := !cfg.CrowdSecLAPIVerifyTLS
		s.stream = &csbouncer.StreamBouncer{
			APIKey:              cfg.CrowdSecLAPIKey,
			APIUrl:              cfg.CrowdSecLAPIURL,
			TickerInterval:      cfg.CrowdSecPollInterval.String(),
			InsecureSkipVerify:  &skipVerify,
			UserAgent:           lapi_metrics.ComponentType + "/" + BinaryVersion,
			RetryInitialConnect: true,
		}

		s.reporter = lapi_metrics.NewReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey, BinaryVersion,
			cfg.LAPIMetricsInterval, component(log, "lapi_metrics"))
		opts = append(opts, ratelimit.WithBlocklist(s.reporter.Observe(s.blocklist)))
	}

	s.engine = engine.New(store, counts, ec, log, opts...)
	s.janitor = NewJanitor(pruner, s.blocklist, abuseLog.Depth, cfg.JanitorInterval, component(log, "janitor"))
	return s, nil
}

// Engine exposes the reaction engine for one-shot commands.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Service) Run(ctx context.Context) error {
	if s.stream != nil {
		if err := s.stream.Init(); err != nil {
			return fmt.Errorf("init CrowdSec stream: %w", err)
		}
	}

	// The abuse pool outlives ctx so queued events drain after shutdown starts.
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()
	s.abuse.Start(poolCtx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serve(gctx, "api", s.cfg.ListenAddr, api.NewRouter(s.engine, component(s.log, "http")))
	})
	g.Go(func() error {
		return s.serve(gctx, "health", s.cfg.HealthAddr, s.healthHandler())
	})
	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return s.serve(gctx, "metrics", s.cfg.MetricsAddr, mux)
		})
	}
	g.Go(func() error {
		return s.janitor.Run(gctx)
	})
	if s.stream != nil {
		g.Go(func() error {
			return s.feed.run(gctx, s.stream)
		})
		g.Go(func() error {
			s.reporter.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.drainAbuse(stopPool)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) drainAbuse(stopPool context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.abuse.Stop(ctx); err != nil {
		s.log.Warn().Err(err).Int("pending", s.abuse.Depth()).Msg("abuse log drain timed out")
		stopPool()
	}
}

// Close releases the stores.
func (s *Service) Close() error {
	var errs []error
	if s.sqlite != nil {
		errs = append(errs, s.sqlite.Close())
	}
	errs = append(errs, s.raw.Close())
	return errors.Join(errs...)
}

// serve runs one HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Service) serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg(name + " server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// healthHandler serves liveness and a readiness probe that round-trips the store.
func (s *Service) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Ready writes and reads back a probe key, then pings the SQLite counter
// when one is configured.
func (s *Service) Ready(ctx context.Context) error {
	stamp := kv.FormatUint(time.Now().UnixNano())
	if err := s.store.Put(ctx, readyKey, stamp, time.Minute); err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	got, err := s.store.Get(ctx, readyKey)
	if err != nil {
		return fmt.Errorf("store read: %w", err)
	}
	if got == nil {
		return errors.New("store read: probe key missing")
	}
	if s.sqlite != nil {
		if err := s.sqlite.Ping(ctx); err != nil {
			return fmt.Errorf("counter: %w", err)
		}
	}
	return nil
}
