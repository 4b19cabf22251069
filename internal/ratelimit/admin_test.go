package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"presence-service/internal/model"
)

func TestBlockedList(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()
	now := time.Now()

	seedAccount(t, store, &model.Account{
		PhoneNumber:    "+15550000001",
		LastRequestAt:  now.Add(-time.Minute),
		RequestCount:   6,
		IsBlocked:      true,
		BlockExpiresAt: now.Add(5 * time.Hour),
	})
	seedAccount(t, store, &model.Account{
		PhoneNumber:    "+15550000002",
		IsBlocked:      true,
		BlockExpiresAt: now.Add(-time.Hour),
	})
	seedAccount(t, store, &model.Account{PhoneNumber: "+15550000003"})

	blocked, err := limiter.BlockedList(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 {
		t.Fatalf("blocked list = %+v, want one entry", blocked)
	}
	if blocked[0].PhoneNumber != "+15550000001" {
		t.Fatalf("unexpected phone: %s", blocked[0].PhoneNumber)
	}
	if blocked[0].RemainingHours != 5 {
		t.Fatalf("remaining = %d hours, want 5", blocked[0].RemainingHours)
	}
	// Entries carry the account's request diagnostics
	if blocked[0].RequestCount != 6 {
		t.Fatalf("request count = %d, want 6", blocked[0].RequestCount)
	}
	if !blocked[0].LastRequestAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("last request at = %v, want %v", blocked[0].LastRequestAt, now.Add(-time.Minute))
	}

	// Partial hours round up
	seedAccount(t, store, &model.Account{
		PhoneNumber:    "+15550000004",
		IsBlocked:      true,
		BlockExpiresAt: now.Add(10 * time.Minute),
	})
	blocked, err = limiter.BlockedList(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 2 {
		t.Fatalf("blocked list length = %d, want 2", len(blocked))
	}
	for _, b := range blocked {
		if b.PhoneNumber == "+15550000004" && b.RemainingHours != 1 {
			t.Fatalf("remaining = %d hours, want 1", b.RemainingHours)
		}
	}
}

func TestUnblock(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()
	now := time.Now()

	seedAccount(t, store, &model.Account{
		PhoneNumber:    testPhone,
		RequestLog:     []model.RequestEntry{{Timestamp: now.Add(-time.Minute), IPAddress: "10.0.0.1"}},
		LastRequestAt:  now.Add(-time.Minute),
		RequestCount:   6,
		IsBlocked:      true,
		BlockExpiresAt: now.Add(20 * time.Hour),
	})

	if err := limiter.Unblock(ctx, testPhone); err != nil {
		t.Fatal(err)
	}

	account, err := store.Get(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if account.IsBlocked || !account.BlockExpiresAt.IsZero() {
		t.Fatalf("block not cleared: %+v", account)
	}
	// Unblock keeps the request history
	if len(account.RequestLog) != 1 || account.RequestCount != 6 {
		t.Fatalf("unblock touched request history: %+v", account)
	}
}

func TestUnblockUnknownPhone(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	err := limiter.Unblock(context.Background(), "+15559999999")
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestReset(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()
	now := time.Now()

	seedAccount(t, store, &model.Account{
		PhoneNumber:    testPhone,
		RequestLog:     []model.RequestEntry{{Timestamp: now.Add(-time.Minute), IPAddress: "10.0.0.1"}},
		LastRequestAt:  now.Add(-time.Minute),
		RequestCount:   9,
		IsBlocked:      true,
		BlockExpiresAt: now.Add(20 * time.Hour),
	})

	if err := limiter.Reset(ctx, testPhone); err != nil {
		t.Fatal(err)
	}

	account, err := store.Get(ctx, testPhone)
	if err != nil {
		t.Fatal(err)
	}
	if account.IsBlocked || len(account.RequestLog) != 0 || account.RequestCount != 0 || !account.LastRequestAt.IsZero() {
		t.Fatalf("state not reset: %+v", account)
	}

	// A fresh request right after reset passes with no cooldown
	res := limiter.Check(ctx, testPhone, "10.0.0.1", now)
	if res.Outcome != Allowed {
		t.Fatalf("check after reset: %+v", res)
	}
}

func TestResetUnknownPhone(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	err := limiter.Reset(context.Background(), "+15559999999")
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestCollectStats(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()
	now := time.Now()

	seedAccount(t, store, &model.Account{
		PhoneNumber: "+15550000001",
		RequestLog: []model.RequestEntry{
			{Timestamp: now.Add(-30 * time.Minute)},
			{Timestamp: now.Add(-10 * time.Minute)},
		},
	})
	seedAccount(t, store, &model.Account{
		PhoneNumber: "+15550000002",
		RequestLog: []model.RequestEntry{
			{Timestamp: now.Add(-5 * time.Hour)},
		},
	})
	seedAccount(t, store, &model.Account{
		PhoneNumber:    "+15550000003",
		IsBlocked:      true,
		BlockExpiresAt: now.Add(time.Hour),
	})

	stats, err := limiter.CollectStats(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalAccounts != 3 {
		t.Fatalf("total = %d, want 3", stats.TotalAccounts)
	}
	if stats.BlockedAccounts != 1 {
		t.Fatalf("blocked = %d, want 1", stats.BlockedAccounts)
	}
	if stats.RequestsLastHour != 2 || stats.RequestsLastDay != 3 {
		t.Fatalf("request counts: %+v", stats)
	}
	if stats.ActiveLastHour != 1 || stats.ActiveLastDay != 2 {
		t.Fatalf("active counts: %+v", stats)
	}
}

func TestCleanup(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()
	now := time.Now()

	seedAccount(t, store, &model.Account{
		PhoneNumber: "+15550000001",
		RequestLog: []model.RequestEntry{
			{Timestamp: now.Add(-10 * 24 * time.Hour)},
			{Timestamp: now.Add(-time.Hour)},
		},
	})
	seedAccount(t, store, &model.Account{
		PhoneNumber: "+15550000002",
		RequestLog: []model.RequestEntry{
			{Timestamp: now.Add(-time.Hour)},
		},
	})

	modified, err := limiter.Cleanup(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if modified != 1 {
		t.Fatalf("modified = %d, want 1", modified)
	}

	account, err := store.Get(ctx, "+15550000001")
	if err != nil {
		t.Fatal(err)
	}
	if len(account.RequestLog) != 1 {
		t.Fatalf("log after cleanup: %+v", account.RequestLog)
	}

	// Cleanup never touches entries inside the daily window, so counts are
	// unchanged afterward
	s, err := limiter.Status(ctx, "+15550000001", now)
	if err != nil {
		t.Fatal(err)
	}
	if s.DailyCount != 1 {
		t.Fatalf("daily count after cleanup = %d, want 1", s.DailyCount)
	}

	// Second pass finds nothing to do
	modified, err = limiter.Cleanup(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if modified != 0 {
		t.Fatalf("second cleanup modified = %d, want 0", modified)
	}
}
