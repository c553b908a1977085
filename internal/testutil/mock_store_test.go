package testutil_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoodEggStudios/nice/internal/testutil"
)

var epoch = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

func TestMockStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMockStore(nil)

	v, err := s.Get(ctx, "missing")
	if err != nil || v != nil {
		t.Fatalf("expected nil, nil for missing key; got %q, %v", v, err)
	}

	if err := s.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, _ = s.Get(ctx, "k")
	if string(v) != "v" {
		t.Fatalf("Get after Put: got %q", v)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Raw("k"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestMockStore_TTLFollowsClock(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := testutil.NewMockStore(clock.Now)

	_ = s.Put(ctx, "k", []byte("v"), time.Minute)
	if ttl, ok := s.TTL("k"); !ok || ttl != time.Minute {
		t.Fatalf("TTL: got %v, %v", ttl, ok)
	}

	clock.Advance(59 * time.Second)
	if v, _ := s.Get(ctx, "k"); v == nil {
		t.Fatal("key should still be live at 59s")
	}

	clock.Advance(time.Second)
	if v, _ := s.Get(ctx, "k"); v != nil {
		t.Fatal("key should expire at its TTL")
	}
}

func TestMockStore_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMockStore(nil)
	boom := errors.New("boom")

	s.SetError("Get", boom)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("injected error should be consumed, got %v", err)
	}

	s.FailAll(boom)
	if err := s.Put(ctx, "k", nil, 0); !errors.Is(err, boom) {
		t.Fatalf("FailAll Put: got %v", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("FailAll Delete: got %v", err)
	}
	s.FailAll(nil)
	if err := s.Put(ctx, "k", nil, 0); err != nil {
		t.Fatalf("Put after clearing FailAll: %v", err)
	}
	if got := s.Calls("Put"); got != 2 {
		t.Errorf("Calls(Put): got %d, want 2", got)
	}
}

func TestMockStore_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMockStore(nil)

	created := 0
	create := func() ([]byte, error) {
		created++
		return []byte("first"), nil
	}
	a, err := s.GetOrCreate(ctx, "secret", create)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.GetOrCreate(ctx, "secret", func() ([]byte, error) { return []byte("second"), nil })
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != "first" || string(b) != "first" {
		t.Errorf("expected both callers to see the first value; got %q, %q", a, b)
	}
	if created != 1 {
		t.Errorf("create called %d times, want 1", created)
	}
}

func TestMockStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMockStore(nil)
	_ = s.Put(ctx, "nice:a:1", []byte("1"), 0)
	_ = s.Put(ctx, "nice:a:2", []byte("1"), 0)
	_ = s.Put(ctx, "count:a", []byte("2"), 0)

	keys := s.Keys("nice:")
	if len(keys) != 2 || keys[0] != "nice:a:1" || keys[1] != "nice:a:2" {
		t.Errorf("Keys: got %v", keys)
	}
}
