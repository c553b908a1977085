package service

import (
	"context"
	"fmt"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/rs/zerolog"

	"github.com/GoodEggStudios/nice/internal/decision"
)

// decisionFeed applies CrowdSec stream updates to the blocklist.
type decisionFeed struct {
	blocklist *decision.Blocklist
	filterCfg decision.FilterConfig
	log       zerolog.Logger
}

// run reads decisions from the LAPI stream until ctx is cancelled.
func (f *decisionFeed) run(ctx context.Context, stream *csbouncer.StreamBouncer) error {
	// Run returns when ctx is cancelled
	go stream.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case decisions, ok := <-stream.Stream:
			if !ok {
				return fmt.Errorf("CrowdSec stream closed")
			}
			f.apply(ctx, decisions)
		}
	}
}

// apply filters one stream block. Deletions run first so a decision that is
// both lifted and re-issued in the same block ends up banned.
func (f *decisionFeed) apply(ctx context.Context, decisions *models.DecisionsStreamResponse) {
	if decisions == nil {
		return
	}
	for _, d := range decisions.Deleted {
		f.applyOne(ctx, d, true)
	}
	for _, d := range decisions.New {
		f.applyOne(ctx, d, false)
	}
}

func (f *decisionFeed) applyOne(ctx context.Context, d *models.Decision, deleted bool) {
	if d == nil {
		return
	}
	result := decision.Filter(d, f.filterCfg, f.log)
	if !result.Passed {
		return
	}
	// Deleted entries still carry Type "ban"; the stream section decides.
	if deleted {
		result.Action = "delete"
	}
	if err := f.blocklist.Apply(ctx, result); err != nil {
		f.log.Warn().Err(err).Str("action", result.Action).Str("value", result.Value).
			Msg("failed to apply decision")
		return
	}
	f.log.Debug().Str("action", result.Action).Str("value", result.Value).
		Str("origin", result.Origin).Dur("ttl", result.TTL).Msg("decision applied")
}
