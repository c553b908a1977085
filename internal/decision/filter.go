// Package decision turns CrowdSec decisions into blocklist entries for the
// reaction endpoint and canonicalises client addresses.
package decision

import (
	"strings"
	"time"

	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/rs/zerolog"
)

// FilterConfig holds the parameters for the decision pipeline.
type FilterConfig struct {
	AllowedActions  []string // default: ban, delete
	ScenarioExclude []string // scenario substrings to skip
	AllowedOrigins  []string // empty = all
	AllowedScopes   []string // default: ip, range
	Whitelist       Whitelist
	DefaultTTL      time.Duration // used when a ban carries no duration
	MaxTTL          time.Duration // 0 = uncapped
}

// NewFilterConfig returns a FilterConfig with sensible defaults.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{"ban", "delete"},
		AllowedScopes:  []string{"ip", "range"},
		DefaultTTL:     4 * time.Hour,
	}
}

// FilterResult is a decision that survived the pipeline.
type FilterResult struct {
	Passed   bool
	Action   string // "ban" or "delete"
	Value    string // canonical IP or CIDR
	Range    bool
	Origin   string
	Scenario string
	TTL      time.Duration
}

// stage labels for metrics
const (
	stageAction    = "1_action"
	stageScenario  = "2_scenario_exclude"
	stageOrigin    = "3_origin"
	stageScope     = "4_scope"
	stageParse     = "5_parse"
	stagePrivate   = "6_private"
	stageWhitelist = "7_whitelist"
)

// Filter runs a CrowdSec decision through the pipeline. Passed=true means
// the decision should be applied to the blocklist.
func Filter(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	action := strings.ToLower(deref(d.Type))
	scope := strings.ToLower(deref(d.Scope))
	value := deref(d.Value)
	origin := deref(d.Origin)
	scenario := deref(d.Scenario)

	if !containsCI(cfg.AllowedActions, action) {
		metrics.DecisionsFiltered.WithLabelValues(stageAction, "unsupported_action").Inc()
		log.Trace().Str("action", action).Msg("filtered: unsupported action")
		return FilterResult{}
	}

	for _, exc := range cfg.ScenarioExclude {
		if exc != "" && strings.Contains(scenario, exc) {
			metrics.DecisionsFiltered.WithLabelValues(stageScenario, "excluded_scenario").Inc()
			log.Trace().Str("scenario", scenario).Str("exclude", exc).Msg("filtered: excluded scenario")
			return FilterResult{}
		}
	}

	if len(cfg.AllowedOrigins) > 0 && !containsCI(cfg.AllowedOrigins, origin) {
		metrics.DecisionsFiltered.WithLabelValues(stageOrigin, "origin_not_allowed").Inc()
		log.Trace().Str("origin", origin).Msg("filtered: origin not allowed")
		return FilterResult{}
	}

	if !containsCI(cfg.AllowedScopes, scope) {
		metrics.DecisionsFiltered.WithLabelValues(stageScope, "unsupported_scope").Inc()
		log.Trace().Str("scope", scope).Msg("filtered: unsupported scope")
		return FilterResult{}
	}

	canonical, isRange, err := ParseAndSanitize(value)
	if err != nil {
		metrics.DecisionsFiltered.WithLabelValues(stageParse, "parse_error").Inc()
		log.Warn().Str("value", value).Err(err).Msg("filtered: parse error")
		return FilterResult{}
	}

	// Private space is never banned: it is our own proxies and load balancers.
	if IsPrivate(canonical) {
		metrics.DecisionsFiltered.WithLabelValues(stagePrivate, "private_ip").Inc()
		log.Trace().Str("ip", canonical).Msg("filtered: private/loopback/link-local IP")
		return FilterResult{}
	}

	if cfg.Whitelist.Contains(canonical) {
		metrics.DecisionsFiltered.WithLabelValues(stageWhitelist, "whitelisted").Inc()
		log.Trace().Str("ip", canonical).Msg("filtered: whitelisted IP")
		return FilterResult{}
	}

	return FilterResult{
		Passed:   true,
		Action:   action,
		Value:    canonical,
		Range:    isRange,
		Origin:   origin,
		Scenario: scenario,
		TTL:      banTTL(deref(d.Duration), cfg),
	}
}

// banTTL parses a CrowdSec duration ("3h59m58s"). Missing, negative or
// unparseable durations fall back to DefaultTTL.
func banTTL(raw string, cfg FilterConfig) time.Duration {
	ttl := cfg.DefaultTTL
	if raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	if cfg.MaxTTL > 0 && ttl > cfg.MaxTTL {
		ttl = cfg.MaxTTL
	}
	return ttl
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func containsCI(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
