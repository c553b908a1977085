// Package lapi_metrics reports how the reaction endpoint used CrowdSec
// decisions back to the LAPI usage-metrics endpoint.
package lapi_metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/GoodEggStudios/nice/internal/decision"
	"github.com/rs/zerolog"
)

// ComponentType identifies this remediation component to the LAPI.
const ComponentType = "crowdsec-nice-bouncer"

const (
	minInterval   = 10 * time.Minute
	finalPushWait = 5 * time.Second
	unknownOrigin = "unknown"
)

// window is what happened since the last push.
type window struct {
	blocked map[string]int64 // by decision origin
	checked int64            // every reaction that consulted the blocklist
}

func newWindow() window { return window{blocked: make(map[string]int64)} }

// Reporter counts blocklist answers and pushes them to the LAPI every
// interval. A zero interval disables pushing; counting still works.
type Reporter struct {
	lapiURL  string
	apiKey   string
	version  string
	interval time.Duration
	started  time.Time
	client   *http.Client
	log      zerolog.Logger

	mu  sync.Mutex
	cur window
}

// NewReporter constructs a Reporter. Intervals under ten minutes are raised
// to ten; the LAPI rejects anything more frequent.
func NewReporter(lapiURL, apiKey, version string, interval time.Duration, log zerolog.Logger) *Reporter {
	if interval > 0 && interval < minInterval {
		log.Warn().Dur("requested", interval).Dur("enforced", minInterval).
			Msg("LAPI_METRICS_PUSH_INTERVAL below minimum; clamping")
		interval = minInterval
	}
	return &Reporter{
		lapiURL:  lapiURL,
		apiKey:   apiKey,
		version:  version,
		interval: interval,
		started:  time.Now(),
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
		cur:      newWindow(),
	}
}

// RecordBlocked counts a reaction refused because its IP is banned.
func (r *Reporter) RecordBlocked(origin string) {
	if origin == "" {
		origin = unknownOrigin
	}
	r.mu.Lock()
	r.cur.blocked[origin]++
	r.cur.checked++
	r.mu.Unlock()
}

// RecordChecked counts a reaction that was checked and let through.
func (r *Reporter) RecordChecked() {
	r.mu.Lock()
	r.cur.checked++
	r.mu.Unlock()
}

// take returns the current window and starts a new one.
func (r *Reporter) take() window {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.cur
	r.cur = newWindow()
	return w
}

// ---- Blocklist observation -------------------------------------------------

// Source is the blocklist a Reporter observes.
type Source interface {
	Blocked(ctx context.Context, ip string) (bool, error)
	Lookup(ctx context.Context, ip string) (*decision.Entry, error)
}

// Observe wraps src so every answer it gives is counted.
func (r *Reporter) Observe(src Source) *Observed {
	return &Observed{src: src, rep: r}
}

// Observed satisfies the rate limiter's blocklist contract.
type Observed struct {
	src Source
	rep *Reporter
}

// Blocked answers from the wrapped source. Errors are passed through
// uncounted; a failed origin lookup only loses the label.
func (o *Observed) Blocked(ctx context.Context, ip string) (bool, error) {
	blocked, err := o.src.Blocked(ctx, ip)
	switch {
	case err != nil:
		return false, err
	case !blocked:
		o.rep.RecordChecked()
		return false, nil
	}

	origin := unknownOrigin
	if e, err := o.src.Lookup(ctx, ip); err == nil && e != nil && e.Origin != "" {
		origin = e.Origin
	}
	o.rep.RecordBlocked(origin)
	return true, nil
}

// ---- Push loop -------------------------------------------------------------

// Run pushes one window per interval until ctx is cancelled, then flushes
// what is left. It returns at once when pushing is disabled.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.push(ctx, r.take()); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics push failed")
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalPushWait)
			err := r.push(flushCtx, r.take())
			cancel()
			if err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics final push failed")
			}
			return
		}
	}
}
