package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"presence-service/internal/client"
)

func newTestCache(t *testing.T) (*VerifyCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })
	return NewVerifyCache(rc), mr
}

func TestMarkPendingAndIsPending(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	pending, err := cache.IsPending(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("pending before mark")
	}

	if err := cache.MarkPending(ctx, "+15550001111", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	pending, err = cache.IsPending(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("not pending after mark")
	}

	// The marker expires with the PIN
	mr.FastForward(11 * time.Minute)
	pending, err = cache.IsPending(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("still pending after TTL elapsed")
	}
}

func TestIncrementAttempts(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		count, err := cache.IncrementAttempts(ctx, "+15550001111", 10*time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if count != want {
			t.Fatalf("count = %d, want %d", count, want)
		}
	}

	count, err := cache.AttemptCount(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("attempt count = %d, want 3", count)
	}

	mr.FastForward(11 * time.Minute)
	count, err = cache.AttemptCount(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("attempt count after expiry = %d, want 0", count)
	}
}

func TestClear(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if err := cache.MarkPending(ctx, "+15550001111", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.IncrementAttempts(ctx, "+15550001111", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := cache.Clear(ctx, "+15550001111"); err != nil {
		t.Fatal(err)
	}

	pending, err := cache.IsPending(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("pending after clear")
	}
	count, err := cache.AttemptCount(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("attempt count after clear = %d, want 0", count)
	}
}
