package service

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GoodEggStudios/nice/internal/config"
	"github.com/GoodEggStudios/nice/internal/counter"
	"github.com/GoodEggStudios/nice/internal/decision"
	"github.com/GoodEggStudios/nice/internal/engine"
	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/pool"
	"github.com/GoodEggStudios/nice/internal/pow"
)

// OpenStore opens the configured backend. The returned BboltStore is nil for
// Redis, which expires keys itself.
func OpenStore(cfg *config.Config) (kv.Store, *kv.BboltStore, error) {
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := kv.NewRedisStore(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil, nil
	default:
		store, err := kv.NewBboltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open bbolt store: %w", err)
		}
		return store, store, nil
	}
}

// OpenCounter returns the configured counter backend. A nil Store means
// totals live in the key-value store. The SQLite handle is returned so the
// caller can close it.
func OpenCounter(cfg *config.Config) (counter.Store, *counter.SQLiteStore, error) {
	if cfg.CounterBackend != "sqlite" {
		return nil, nil, nil
	}
	db, err := counter.OpenSQLite(cfg.SQLiteDSN)
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}

// EngineConfig maps configuration onto the engine thresholds.
func EngineConfig(cfg *config.Config) (engine.Config, error) {
	tiers, err := cfg.ParsePowTiers()
	if err != nil {
		return engine.Config{}, fmt.Errorf("parse pow tiers: %w", err)
	}

	ec := engine.DefaultConfig()
	ec.RateLimit.IPLimit = cfg.IPLimitPerMinute
	ec.RateLimit.ButtonLimit = cfg.ButtonLimitPerMinute
	ec.RateLimit.BurstThreshold = cfg.BurstThreshold

	ec.Pow.Tiers = make([]pow.Tier, 0, len(tiers))
	for _, t := range tiers {
		ec.Pow.Tiers = append(ec.Pow.Tiers, pow.Tier{Threshold: t.Threshold, Difficulty: t.Difficulty})
	}
	ec.Pow.DefaultDifficulty = cfg.PowDefaultDifficulty
	ec.Pow.ChallengeTTL = cfg.PowChallengeTTL
	ec.Pow.StateTTL = cfg.PowStateTTL
	ec.Pow.ExitThreshold = cfg.PowExitThreshold
	ec.Pow.CooldownMinutes = cfg.PowCooldownMinutes

	ec.DedupeTTL = cfg.DedupeTTL
	ec.CounterRetries = cfg.CounterMaxRetries
	ec.MasterSecret = cfg.MasterSecret
	return ec, nil
}

// FilterConfig maps configuration onto the CrowdSec decision pipeline.
func FilterConfig(cfg *config.Config) (decision.FilterConfig, error) {
	whitelist, err := decision.ParseWhitelist(cfg.BlockWhitelist)
	if err != nil {
		return decision.FilterConfig{}, fmt.Errorf("parse whitelist: %w", err)
	}
	fc := decision.NewFilterConfig()
	fc.ScenarioExclude = cfg.BlockScenarioExclude
	fc.AllowedOrigins = cfg.CrowdSecOrigins
	fc.Whitelist = whitelist
	fc.DefaultTTL = cfg.BlockDefaultTTL
	fc.MaxTTL = cfg.BlockMaxTTL
	return fc, nil
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
		MaxAge:     cfg.AbuseLogTTL,
	}
}

func component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
