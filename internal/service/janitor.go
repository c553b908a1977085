package service

import (
	"context"
	"time"

	"github.com/GoodEggStudios/nice/internal/decision"
	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/rs/zerolog"
)

// Pruner is a store that needs expired keys swept out. *kv.BboltStore
// satisfies it; Redis expires keys on its own.
type Pruner interface {
	PruneExpired(ctx context.Context) (int, error)
	SizeBytes() (int64, error)
}

// Janitor performs periodic housekeeping: pruning expired keys and range bans,
// updating gauges.
type Janitor struct {
	store     Pruner
	blocklist *decision.Blocklist
	depth     func() int
	interval  time.Duration
	log       zerolog.Logger
}

// NewJanitor creates a Janitor. Any of store, blocklist and depth may be nil.
func NewJanitor(store Pruner, blocklist *decision.Blocklist, depth func() int, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		blocklist: blocklist,
		depth:     depth,
		interval:  interval,
		log:       log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one housekeeping pass and returns how many keys it pruned.
func (j *Janitor) Sweep(ctx context.Context) int {
	pruned := 0
	if j.store != nil {
		n, err := j.store.PruneExpired(ctx)
		switch {
		case err != nil:
			j.log.Warn().Err(err).Msg("janitor: prune expired keys failed")
		case n > 0:
			pruned = n
			metrics.ExpiredKeysPruned.Add(float64(n))
			j.log.Info().Int("count", n).Msg("janitor: pruned expired keys")
		}

		size, err := j.store.SizeBytes()
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	if j.blocklist != nil {
		if n := j.blocklist.PruneRanges(); n > 0 {
			j.log.Info().Int("count", n).Msg("janitor: dropped expired range bans")
		}
	}

	if j.depth != nil {
		metrics.WorkerQueueDepth.Set(float64(j.depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
	return pruned
}
