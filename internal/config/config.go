package config

import (
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Listeners
	ListenAddr     string `koanf:"listen_addr"`
	HealthAddr     string `koanf:"health_addr"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`

	// Logging
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Store
	StoreBackend  string        `koanf:"store_backend"`
	DataDir       string        `koanf:"data_dir"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	StoreTimeout  time.Duration `koanf:"store_timeout"`

	// Counter
	CounterBackend    string `koanf:"counter_backend"`
	SQLiteDSN         string `koanf:"sqlite_dsn"`
	CounterMaxRetries int    `koanf:"counter_max_retries"`

	// Rate limiting
	IPLimitPerMinute     int64 `koanf:"ip_limit_per_minute"`
	ButtonLimitPerMinute int64 `koanf:"button_limit_per_minute"`
	BurstThreshold       int64 `koanf:"burst_threshold"`

	// Proof of work
	PowExitThreshold     int64         `koanf:"pow_exit_threshold"`
	PowCooldownMinutes   int           `koanf:"pow_cooldown_minutes"`
	PowTiers             string        `koanf:"pow_tiers"`
	PowDefaultDifficulty int           `koanf:"pow_default_difficulty"`
	PowChallengeTTL      time.Duration `koanf:"pow_challenge_ttl"`
	PowStateTTL          time.Duration `koanf:"pow_state_ttl"`

	// Dedupe and salt
	DedupeTTL    time.Duration `koanf:"dedupe_ttl"`
	MasterSecret string        `koanf:"master_secret"`

	// Abuse log worker pool
	AbuseLogTTL    time.Duration `koanf:"abuse_log_ttl"`
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// CrowdSec blocklist feed
	CrowdSecEnabled       bool          `koanf:"crowdsec_enabled"`
	CrowdSecLAPIURL       string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey       string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecPollInterval  time.Duration `koanf:"crowdsec_poll_interval"`
	LAPIMetricsInterval   time.Duration `koanf:"lapi_metrics_push_interval"`
	CrowdSecOrigins       []string      `koanf:"crowdsec_origins"`
	BlockScenarioExclude  []string      `koanf:"block_scenario_exclude"`
	BlockWhitelist        []string      `koanf:"block_whitelist"`
	BlockDefaultTTL       time.Duration `koanf:"block_default_ttl"`
	BlockMaxTTL           time.Duration `koanf:"block_max_ttl"`

	// Operational
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// PowTier is one threshold:difficulty pair from POW_TIERS.
type PowTier struct {
	Threshold  int64
	Difficulty int
}

// ParsePowTiers parses POW_TIERS ("5000:20,1000:18,500:16") into tiers sorted
// by descending threshold.
func (c *Config) ParsePowTiers() ([]PowTier, error) {
	entries := splitCSV(c.PowTiers)
	tiers := make([]PowTier, 0, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid tier %q: expected format threshold:difficulty", e)
		}
		threshold, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil || threshold < 1 {
			return nil, fmt.Errorf("invalid tier %q: threshold must be a positive integer", e)
		}
		difficulty, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || difficulty < 1 || difficulty > maxDifficulty {
			return nil, fmt.Errorf("invalid tier %q: difficulty must be 1–%d", e, maxDifficulty)
		}
		tiers = append(tiers, PowTier{Threshold: threshold, Difficulty: difficulty})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold > tiers[j].Threshold })
	return tiers, nil
}

// maxDifficulty bounds leading zero bits to what a browser can solve.
const maxDifficulty = 32

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.StoreBackend = stripEnvQuotes(c.StoreBackend)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.RedisAddr = stripEnvQuotes(c.RedisAddr)
	c.RedisPassword = stripEnvQuotes(c.RedisPassword)
	c.CounterBackend = stripEnvQuotes(c.CounterBackend)
	c.SQLiteDSN = stripEnvQuotes(c.SQLiteDSN)
	c.PowTiers = stripEnvQuotes(c.PowTiers)
	c.MasterSecret = stripEnvQuotes(c.MasterSecret)
	c.CrowdSecLAPIURL = stripEnvQuotes(c.CrowdSecLAPIURL)
	c.CrowdSecLAPIKey = stripEnvQuotes(c.CrowdSecLAPIKey)

	for i, s := range c.CrowdSecOrigins {
		c.CrowdSecOrigins[i] = stripEnvQuotes(s)
	}
	for i, s := range c.BlockWhitelist {
		c.BlockWhitelist[i] = stripEnvQuotes(s)
	}
	for i, s := range c.BlockScenarioExclude {
		c.BlockScenarioExclude[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":                ":8080",
		"health_addr":                ":8081",
		"metrics_enabled":            true,
		"metrics_addr":               ":9090",
		"log_level":                  "info",
		"log_format":                 "json",
		"store_backend":              "bbolt",
		"data_dir":                   "/data",
		"redis_addr":                 "localhost:6379",
		"redis_db":                   0,
		"store_timeout":              "2s",
		"counter_backend":            "kv",
		"sqlite_dsn":                 "file:/data/counts.db",
		"counter_max_retries":        3,
		"ip_limit_per_minute":        20,
		"button_limit_per_minute":    100,
		"burst_threshold":            500,
		"pow_exit_threshold":         100,
		"pow_cooldown_minutes":       5,
		"pow_tiers":                  "5000:20,1000:18,500:16",
		"pow_default_difficulty":     16,
		"pow_challenge_ttl":          "60s",
		"pow_state_ttl":              "10m",
		"dedupe_ttl":                 "24h",
		"abuse_log_ttl":              "168h",
		"pool_workers":               2,
		"pool_queue_depth":           1024,
		"pool_max_retries":           3,
		"pool_retry_base":            "1s",
		"crowdsec_enabled":           false,
		"crowdsec_lapi_url":          "http://crowdsec:8080",
		"crowdsec_lapi_verify_tls":   true,
		"crowdsec_poll_interval":     "30s",
		"lapi_metrics_push_interval": "30m",
		"block_default_ttl":          "4h",
		"block_max_ttl":              "0s",
		"janitor_interval":           "1m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps LISTEN_ADDR → "listen_addr" flat instead of
	// nesting on "_".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists koanf won't split on its own
	cfg.CrowdSecOrigins = splitCSV(k.String("crowdsec_origins"))
	cfg.BlockScenarioExclude = splitCSV(k.String("block_scenario_exclude"))
	cfg.BlockWhitelist = splitCSV(k.String("block_whitelist"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "bbolt":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORE_BACKEND=bbolt")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("REDIS_DB must be >= 0; got %d", c.RedisDB)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be bbolt or redis; got %q", c.StoreBackend)
	}

	switch c.CounterBackend {
	case "kv":
	case "sqlite":
		if c.SQLiteDSN == "" {
			return fmt.Errorf("SQLITE_DSN is required when COUNTER_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("COUNTER_BACKEND must be kv or sqlite; got %q", c.CounterBackend)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0; got %s", c.StoreTimeout)
	}
	if c.CounterMaxRetries < 1 {
		return fmt.Errorf("COUNTER_MAX_RETRIES must be >= 1; got %d", c.CounterMaxRetries)
	}

	for _, limit := range []struct {
		name string
		v    int64
	}{
		{"IP_LIMIT_PER_MINUTE", c.IPLimitPerMinute},
		{"BUTTON_LIMIT_PER_MINUTE", c.ButtonLimitPerMinute},
		{"BURST_THRESHOLD", c.BurstThreshold},
		{"POW_EXIT_THRESHOLD", c.PowExitThreshold},
	} {
		if limit.v < 1 {
			return fmt.Errorf("%s must be >= 1; got %d", limit.name, limit.v)
		}
	}
	if c.BurstThreshold < c.ButtonLimitPerMinute {
		return fmt.Errorf("BURST_THRESHOLD (%d) must be >= BUTTON_LIMIT_PER_MINUTE (%d)", c.BurstThreshold, c.ButtonLimitPerMinute)
	}
	if c.PowExitThreshold > c.BurstThreshold {
		return fmt.Errorf("POW_EXIT_THRESHOLD (%d) must be <= BURST_THRESHOLD (%d)", c.PowExitThreshold, c.BurstThreshold)
	}
	if c.PowCooldownMinutes < 1 {
		return fmt.Errorf("POW_COOLDOWN_MINUTES must be >= 1; got %d", c.PowCooldownMinutes)
	}
	if c.PowDefaultDifficulty < 1 || c.PowDefaultDifficulty > maxDifficulty {
		return fmt.Errorf("POW_DEFAULT_DIFFICULTY must be 1–%d; got %d", maxDifficulty, c.PowDefaultDifficulty)
	}
	if _, err := c.ParsePowTiers(); err != nil {
		return fmt.Errorf("POW_TIERS: %w", err)
	}
	if c.PowChallengeTTL <= 0 {
		return fmt.Errorf("POW_CHALLENGE_TTL must be > 0; got %s", c.PowChallengeTTL)
	}
	if c.PowStateTTL < time.Minute {
		return fmt.Errorf("POW_STATE_TTL must be >= 1m; got %s", c.PowStateTTL)
	}
	if c.DedupeTTL <= 0 {
		return fmt.Errorf("DEDUPE_TTL must be > 0; got %s", c.DedupeTTL)
	}
	if c.AbuseLogTTL <= 0 {
		return fmt.Errorf("ABUSE_LOG_TTL must be > 0; got %s", c.AbuseLogTTL)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	for _, entry := range c.BlockWhitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				return fmt.Errorf("BLOCK_WHITELIST: invalid CIDR %q: %w", entry, err)
			}
		} else if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("BLOCK_WHITELIST: invalid IP address %q", entry)
		}
	}

	if c.CrowdSecEnabled {
		if c.CrowdSecLAPIKey == "" {
			return fmt.Errorf("CROWDSEC_LAPI_KEY is required when CROWDSEC_ENABLED=true")
		}
		if !strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
			return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
		}
		if c.CrowdSecPollInterval <= 0 {
			return fmt.Errorf("CROWDSEC_POLL_INTERVAL must be > 0; got %s", c.CrowdSecPollInterval)
		}
		if c.LAPIMetricsInterval < 0 {
			return fmt.Errorf("LAPI_METRICS_PUSH_INTERVAL must be >= 0; got %s", c.LAPIMetricsInterval)
		}
	}

	if c.BlockDefaultTTL <= 0 {
		return fmt.Errorf("BLOCK_DEFAULT_TTL must be > 0; got %s", c.BlockDefaultTTL)
	}
	if c.BlockMaxTTL < 0 {
		return fmt.Errorf("BLOCK_MAX_TTL must be >= 0; got %s", c.BlockMaxTTL)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"redis_password",
	"crowdsec_lapi_key",
	"master_secret",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
