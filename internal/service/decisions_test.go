package service

import (
	"context"
	"testing"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/rs/zerolog"

	"github.com/GoodEggStudios/nice/internal/decision"
	"github.com/GoodEggStudios/nice/internal/testutil"
)

func strPtr(s string) *string { return &s }

func ban(value, scope, duration string) *models.Decision {
	return &models.Decision{
		Type:     strPtr("ban"),
		Scope:    strPtr(scope),
		Value:    strPtr(value),
		Scenario: strPtr("crowdsecurity/http-probing"),
		Origin:   strPtr("crowdsec"),
		Duration: strPtr(duration),
	}
}

func newTestFeed() (*decisionFeed, *decision.Blocklist) {
	clock := testutil.NewClock(time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC))
	bl := decision.NewBlocklist(testutil.NewMockStore(clock.Now), clock.Now)
	return &decisionFeed{blocklist: bl, filterCfg: decision.NewFilterConfig(), log: zerolog.Nop()}, bl
}

func TestFeed_BanThenDelete(t *testing.T) {
	feed, bl := newTestFeed()
	ctx := context.Background()

	feed.apply(ctx, &models.DecisionsStreamResponse{
		New: models.GetDecisionsResponse{ban("203.0.113.7", "ip", "1h")},
	})
	if blocked, err := bl.Blocked(ctx, "203.0.113.7"); err != nil || !blocked {
		t.Fatalf("after ban: blocked=%v err=%v", blocked, err)
	}

	// Deleted decisions keep their original "ban" type.
	feed.apply(ctx, &models.DecisionsStreamResponse{
		Deleted: models.GetDecisionsResponse{ban("203.0.113.7", "ip", "1h")},
	})
	if blocked, _ := bl.Blocked(ctx, "203.0.113.7"); blocked {
		t.Error("deleted decision should lift the block")
	}
}

func TestFeed_DeleteAndReissueInOneBlock(t *testing.T) {
	feed, bl := newTestFeed()
	ctx := context.Background()

	feed.apply(ctx, &models.DecisionsStreamResponse{
		New:     models.GetDecisionsResponse{ban("203.0.113.8", "ip", "2h")},
		Deleted: models.GetDecisionsResponse{ban("203.0.113.8", "ip", "1h")},
	})
	if blocked, _ := bl.Blocked(ctx, "203.0.113.8"); !blocked {
		t.Error("re-issued decision should win over the deletion")
	}
}

func TestFeed_RangeBan(t *testing.T) {
	feed, bl := newTestFeed()
	ctx := context.Background()

	feed.apply(ctx, &models.DecisionsStreamResponse{
		New: models.GetDecisionsResponse{ban("198.51.100.0/24", "range", "1h")},
	})
	if blocked, _ := bl.Blocked(ctx, "198.51.100.42"); !blocked {
		t.Error("address inside banned range should be blocked")
	}
	if bl.Ranges() != 1 {
		t.Errorf("Ranges() = %d, want 1", bl.Ranges())
	}
}

func TestFeed_PrivateAddressesIgnored(t *testing.T) {
	feed, bl := newTestFeed()
	ctx := context.Background()

	feed.apply(ctx, &models.DecisionsStreamResponse{
		New: models.GetDecisionsResponse{ban("10.0.0.5", "ip", "1h"), nil},
	})
	if blocked, _ := bl.Blocked(ctx, "10.0.0.5"); blocked {
		t.Error("private address should never be blocked")
	}
}

func TestFeed_NilResponse(t *testing.T) {
	feed, _ := newTestFeed()
	feed.apply(context.Background(), nil)
}
