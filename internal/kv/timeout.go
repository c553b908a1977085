package kv

import (
	"context"
	"errors"
	"time"

	"github.com/GoodEggStudios/nice/internal/metrics"
)

type guardedStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout bounds every operation on next by timeout, records store
// metrics, and wraps failures in *StoreError. A non-positive timeout only
// adds metrics and error wrapping.
func WithTimeout(next Store, timeout time.Duration) Store {
	return &guardedStore{next: next, timeout: timeout}
}

func (g *guardedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := g.do(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, err = g.next.Get(ctx, key)
		return err
	})
	return value, err
}

func (g *guardedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.do(ctx, "put", key, func(ctx context.Context) error {
		return g.next.Put(ctx, key, value, ttl)
	})
}

func (g *guardedStore) Delete(ctx context.Context, key string) error {
	return g.do(ctx, "delete", key, func(ctx context.Context) error {
		return g.next.Delete(ctx, key)
	})
}

func (g *guardedStore) GetOrCreate(ctx context.Context, key string, create func() ([]byte, error)) ([]byte, error) {
	var value []byte
	err := g.do(ctx, "get_or_create", key, func(ctx context.Context) error {
		var err error
		value, err = g.next.GetOrCreate(ctx, key, create)
		return err
	})
	return value, err
}

func (g *guardedStore) Close() error {
	return g.next.Close()
}

func (g *guardedStore) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if err == nil {
		// A backend that ignores ctx may finish after the deadline; its
		// result is still reported as a timeout so callers see one bound.
		err = ctx.Err()
	}
	metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		metrics.StoreOperations.WithLabelValues(op, status).Inc()
		var se *StoreError
		if errors.As(err, &se) {
			return err
		}
		return &StoreError{Op: op, Key: key, Err: err}
	}
	metrics.StoreOperations.WithLabelValues(op, "ok").Inc()
	return nil
}
