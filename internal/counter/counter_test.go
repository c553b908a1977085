package counter

import (
	"context"
	"errors"
	"testing"

	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/testutil"
	"github.com/rs/zerolog"
)

func TestKVSequentialIncrements(t *testing.T) {
	store := testutil.NewMockStore(nil)
	c := NewKVStore(store, 3, zerolog.Nop())
	ctx := context.Background()

	for i := int64(1); i <= 25; i++ {
		n, err := c.Increment(ctx, "n_abc")
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("increment %d returned %d", i, n)
		}
	}
	got, err := c.Read(ctx, "n_abc")
	if err != nil || got != 25 {
		t.Fatalf("Read = %d, %v; want 25", got, err)
	}
	if ttl, ok := store.TTL("count:n_abc"); !ok || ttl != 0 {
		t.Errorf("counts must not expire, ttl=%v ok=%v", ttl, ok)
	}
}

func TestKVReadUnknownAndCorrupt(t *testing.T) {
	store := testutil.NewMockStore(nil)
	c := NewKVStore(store, 3, zerolog.Nop())
	ctx := context.Background()

	if n, err := c.Read(ctx, "n_none"); err != nil || n != 0 {
		t.Errorf("unknown button: %d, %v", n, err)
	}
	store.SetRaw("count:n_bad", []byte("NaN"), 0)
	n, err := c.Increment(ctx, "n_bad")
	if err != nil || n != 1 {
		t.Errorf("corrupt count should restart at 1, got %d, %v", n, err)
	}
}

func TestKVRetriesWhenClobbered(t *testing.T) {
	store := testutil.NewMockStore(nil)
	store.SetRaw("count:n_abc", []byte("10"), 0)
	clobbered := false
	store.AfterPut = func(key string, _ []byte) {
		if !clobbered {
			clobbered = true
			store.SetRaw(key, []byte("10"), 0) // a stale writer lands after us
		}
	}
	c := NewKVStore(store, 3, zerolog.Nop())

	n, err := c.Increment(context.Background(), "n_abc")
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("expected 11 after one retry, got %d", n)
	}
	if got := store.Calls("Put"); got != 2 {
		t.Errorf("expected 2 writes, got %d", got)
	}
	if raw, _ := store.Raw("count:n_abc"); string(raw) != "11" {
		t.Errorf("stored count = %q", raw)
	}
}

func TestKVGivesUpAfterMaxRetries(t *testing.T) {
	store := testutil.NewMockStore(nil)
	store.AfterPut = func(key string, _ []byte) {
		store.SetRaw(key, []byte("0"), 0)
	}
	c := NewKVStore(store, 3, zerolog.Nop())

	n, err := c.Increment(context.Background(), "n_abc")
	if err != nil {
		t.Fatalf("exhausted retries should not fail: %v", err)
	}
	if n != 1 {
		t.Errorf("best estimate = %d, want 1", n)
	}
	if got := store.Calls("Put"); got != 3 {
		t.Errorf("expected 3 write attempts, got %d", got)
	}
}

func TestKVStoreErrors(t *testing.T) {
	store := testutil.NewMockStore(nil)
	c := NewKVStore(store, 3, zerolog.Nop())
	down := &kv.StoreError{Op: "put", Err: errors.New("down")}

	store.SetError("Put", down)
	if _, err := c.Increment(context.Background(), "n_abc"); !errors.Is(err, kv.ErrUnavailable) {
		t.Errorf("Increment: expected ErrUnavailable, got %v", err)
	}
	store.SetError("Get", down)
	if _, err := c.Read(context.Background(), "n_abc"); !errors.Is(err, kv.ErrUnavailable) {
		t.Errorf("Read: expected ErrUnavailable, got %v", err)
	}
}
