// Package dedupe counts each visitor at most once per button per day without
// storing who the visitor is.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/metrics"
)

const DefaultTTL = 24 * time.Hour

// SaltSource yields the current daily salt.
type SaltSource interface {
	Current(ctx context.Context) (string, error)
}

// Result reports whether a visitor is new for the button today.
type Result struct {
	IsNew       bool
	VisitorHash string
}

// Engine records one visitor hash per button per salt day.
type Engine struct {
	store kv.Store
	salt  SaltSource
	ttl   time.Duration
}

func New(store kv.Store, salt SaltSource, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{store: store, salt: salt, ttl: ttl}
}

// ShouldCount reports whether this visitor is new for buttonID today and, if
// so, records it. The record is written before the caller increments the
// count, so a crash in between loses one click rather than double counting.
func (e *Engine) ShouldCount(ctx context.Context, ip, fingerprint, buttonID string) (Result, error) {
	hash, err := e.visitorHash(ctx, ip, fingerprint, buttonID)
	if err != nil {
		return Result{}, err
	}
	key := kv.Key(kv.ScopeNice, buttonID, hash)

	existing, err := e.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("check visitor: %w", err)
	}
	if existing != nil {
		metrics.DedupeResults.WithLabelValues("duplicate").Inc()
		return Result{IsNew: false, VisitorHash: hash}, nil
	}
	if err := e.store.Put(ctx, key, []byte("1"), e.ttl); err != nil {
		return Result{}, fmt.Errorf("record visitor: %w", err)
	}
	metrics.DedupeResults.WithLabelValues("new").Inc()
	return Result{IsNew: true, VisitorHash: hash}, nil
}

// HasCounted is the read-only form of ShouldCount.
func (e *Engine) HasCounted(ctx context.Context, ip, fingerprint, buttonID string) (bool, error) {
	hash, err := e.visitorHash(ctx, ip, fingerprint, buttonID)
	if err != nil {
		return false, err
	}
	existing, err := e.store.Get(ctx, kv.Key(kv.ScopeNice, buttonID, hash))
	if err != nil {
		return false, fmt.Errorf("check visitor: %w", err)
	}
	return existing != nil, nil
}

func (e *Engine) visitorHash(ctx context.Context, ip, fingerprint, buttonID string) (string, error) {
	salt, err := e.salt.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("load daily salt: %w", err)
	}
	return VisitorHash(ip, fingerprint, buttonID, salt), nil
}

// VisitorHash is sha256 hex of ip|fingerprint|buttonID|salt. An empty
// fingerprint degrades to IP-only identity.
func VisitorHash(ip, fingerprint, buttonID, salt string) string {
	sum := sha256.Sum256([]byte(ip + "|" + fingerprint + "|" + buttonID + "|" + salt))
	return hex.EncodeToString(sum[:])
}
