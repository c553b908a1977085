// Package salt derives the daily salt mixed into visitor hashes. The salt
// rotates at UTC midnight and is never stored: it is recomputed from a
// persistent master secret and the date.
package salt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/GoodEggStudios/nice/internal/kv"
	"golang.org/x/sync/singleflight"
)

const (
	dayLayout     = "2006-01-02"
	secretTimeout = 5 * time.Second
)

// SecretKey is where the master secret lives. It has no expiry.
var SecretKey = kv.Key(kv.ScopeConfig, "master_secret")

// Service hands out the salt for the current UTC day.
type Service struct {
	store kv.Store
	now   func() time.Time
	seed  string
	group singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSeed supplies the value written as master secret if none exists yet.
// An existing stored secret always wins.
func WithSeed(secret string) Option {
	return func(s *Service) { s.seed = secret }
}

// New returns a Service backed by store.
func New(store kv.Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the salt for today's UTC date.
func (s *Service) Current(ctx context.Context) (string, error) {
	return s.ForDate(ctx, s.now())
}

// ForDate returns the salt for the UTC calendar day containing t.
func (s *Service) ForDate(ctx context.Context, t time.Time) (string, error) {
	secret, err := s.secret(ctx)
	if err != nil {
		return "", err
	}
	return Derive(secret, t), nil
}

// secret loads or creates the master secret. Concurrent callers in this
// process share one store round trip. The shared call runs detached from any
// single caller's cancellation; each caller still stops waiting when its own
// ctx ends.
func (s *Service) secret(ctx context.Context) (string, error) {
	ch := s.group.DoChan(SecretKey, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), secretTimeout)
		defer cancel()
		raw, err := s.store.GetOrCreate(loadCtx, SecretKey, s.create)
		if err != nil {
			return "", fmt.Errorf("load master secret: %w", err)
		}
		return string(raw), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Service) create() ([]byte, error) {
	if s.seed != "" {
		return []byte(s.seed), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate master secret: %w", err)
	}
	return []byte(hex.EncodeToString(buf)), nil
}

// Derive is the pure salt function: sha256 hex of secret, a fixed label and
// the UTC date of day.
func Derive(secret string, day time.Time) string {
	sum := sha256.Sum256([]byte(secret + ":daily_salt:" + day.UTC().Format(dayLayout)))
	return hex.EncodeToString(sum[:])
}
