package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/testutil"
)

func TestWithTimeoutWrapsErrors(t *testing.T) {
	mock := testutil.NewMockStore(nil)
	s := kv.WithTimeout(mock, time.Second)
	cause := errors.New("connection reset")

	mock.SetError("Get", cause)
	_, err := s.Get(context.Background(), "ip:x:1")
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var se *kv.StoreError
	if !errors.As(err, &se) || se.Op != "get" || se.Key != "ip:x:1" {
		t.Fatalf("unexpected StoreError: %+v", se)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should remain reachable")
	}
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	mock := testutil.NewMockStore(nil)
	s := kv.WithTimeout(mock, time.Second)
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil || string(v) != "v" {
		t.Fatalf("Get: v=%q err=%v", v, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, err = s.GetOrCreate(ctx, "g", func() ([]byte, error) { return []byte("x"), nil })
	if err != nil || string(v) != "x" {
		t.Fatalf("GetOrCreate: v=%q err=%v", v, err)
	}
}

// slowStore ignores ctx and sleeps past any reasonable deadline.
type slowStore struct {
	kv.Store
	delay time.Duration
}

func (s slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	time.Sleep(s.delay)
	return []byte("late"), nil
}

func TestWithTimeoutReportsLateResults(t *testing.T) {
	s := kv.WithTimeout(slowStore{Store: testutil.NewMockStore(nil), delay: 50 * time.Millisecond}, 5*time.Millisecond)

	_, err := s.Get(context.Background(), "k")
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded cause, got %v", err)
	}
}
