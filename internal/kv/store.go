package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope is the first segment of every key. Distinct scopes never collide.
type Scope string

const (
	ScopeIP        Scope = "ip"
	ScopeButton    Scope = "button"
	ScopePow       Scope = "pow"
	ScopeChallenge Scope = "pow-challenge"
	ScopeNice      Scope = "nice"
	ScopeCount     Scope = "count"
	ScopeAbuse     Scope = "abuse"
	ScopeConfig    Scope = "config"
	ScopeBlock     Scope = "block"
)

// ErrUnavailable matches every store failure (unreachable, timed out, corrupt
// envelope). Callers treat it as retryable infrastructure failure.
var ErrUnavailable = errors.New("kv: store unavailable")

// StoreError describes a failed store operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("kv %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports every StoreError as ErrUnavailable.
func (e *StoreError) Is(target error) bool { return target == ErrUnavailable }

// Store is the boundary contract with the backing key-value store.
// It deliberately offers no compare-and-swap and no atomic increment.
type Store interface {
	// Get returns nil, nil when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value. ttl == 0 means the key never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// GetOrCreate returns the stored value for key, calling create and
	// persisting its result (without expiry) only when the key is absent.
	// Concurrent creators may race; whichever value lands is returned to
	// every caller once persisted.
	GetOrCreate(ctx context.Context, key string, create func() ([]byte, error)) ([]byte, error)

	Close() error
}

// Key joins a scope and its identifying parts with ":".
func Key(scope Scope, parts ...string) string {
	var b strings.Builder
	b.WriteString(string(scope))
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// Uint decodes a decimal counter value. Absent or unparseable values read as 0.
func Uint(raw []byte) int64 {
	if len(raw) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// FormatUint encodes a counter value the way Uint reads it.
func FormatUint(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}
