// Package pool runs abuse-log writes off the request path.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/rs/zerolog"
)

// ActionAbuseLog appends one abuse event to its hourly bucket.
const ActionAbuseLog = "abuse_log"

const (
	maxWorkers  = 64
	maxBackoff  = time.Minute
	defaultSize = 1024
)

// Job is one abuse event waiting to be written.
type Job struct {
	Action   string
	IPHash   string // sha256 of the client IP, never the raw address
	ButtonID string
	Reason   string // rate-limit reason that triggered the event
	At       time.Time
	Retries  int
}

// JobHandler writes a single Job. A non-nil error schedules a retry.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool configuration. MaxAge drops events that waited
// longer than that before a worker picked them up; zero keeps everything.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
	MaxAge     time.Duration
}

// Pool fans jobs out to a fixed set of workers with bounded in-place retry.
type Pool struct {
	cfg     Config
	handler JobHandler
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex // guards closed against concurrent Enqueue
	closed bool
	jobs   chan Job
	wg     sync.WaitGroup
}

// New validates cfg and returns an idle Pool.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > maxWorkers {
		return nil, fmt.Errorf("POOL_WORKERS must be 1-%d, got %d", maxWorkers, cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = defaultSize
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		handler: handler,
		log:     log,
		now:     time.Now,
		jobs:    make(chan Job, cfg.QueueDepth),
	}, nil
}

// Start launches the workers. Cancelling ctx abandons in-flight retries.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(ctx, i)
	}
}

// Enqueue never blocks. It reports false when the queue is full or the pool
// has been stopped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.JobsDropped.WithLabelValues("stopped").Inc()
		return false
	}

	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("button_id", job.ButtonID).Str("reason", job.Reason).Msg("abuse event dropped: queue full")
		return false
	}
}

// Stop refuses new jobs and waits for the queue to drain. It returns
// ctx.Err() if ctx ends first; workers keep draining until their own context
// is cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			if p.stale(job) {
				metrics.JobsDropped.WithLabelValues("stale").Inc()
				continue
			}
			p.run(ctx, job, log)
		}
	}
}

func (p *Pool) stale(job Job) bool {
	return p.cfg.MaxAge > 0 && !job.At.IsZero() && p.now().Sub(job.At) > p.cfg.MaxAge
}

// run calls the handler, retrying in place. Never re-enqueue: Stop may have
// closed the channel.
func (p *Pool) run(ctx context.Context, job Job, log zerolog.Logger) {
	var err error
	for job.Retries = 0; job.Retries <= p.cfg.MaxRetries; job.Retries++ {
		if job.Retries > 0 {
			wait := p.backoff(job.Retries - 1)
			log.Debug().Str("button_id", job.ButtonID).Int("attempt", job.Retries).
				Dur("backoff", wait).Err(err).Msg("retrying abuse write")
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
				return
			case <-t.C:
			}
		}

		if err = p.handler(ctx, job); err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
			return
		}
		if job.Retries < p.cfg.MaxRetries {
			metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()
		}
	}

	metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
	log.Error().Err(err).Str("button_id", job.ButtonID).
		Int("max_retries", p.cfg.MaxRetries).Msg("abuse write failed: retries exhausted")
}

// backoff doubles RetryBase per retry, capped at one minute.
func (p *Pool) backoff(retries int) time.Duration {
	if retries > 16 {
		return maxBackoff
	}
	d := p.cfg.RetryBase << uint(retries)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}
