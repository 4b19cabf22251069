package ratelimit

import (
	"context"
	"time"

	"presence-service/internal/model"
	"presence-service/internal/util"
)

// BlockedAccount is one entry in the admin blocked list.
type BlockedAccount struct {
	PhoneNumber    string    `json:"phone_number"`
	BlockExpiresAt time.Time `json:"block_expires_at"`
	RemainingHours int       `json:"remaining_hours"`
	RequestCount   int64     `json:"request_count"`
	LastRequestAt  time.Time `json:"last_request_at,omitempty"`
}

// Stats aggregates limiter activity across all accounts.
type Stats struct {
	TotalAccounts    int64 `json:"total_accounts"`
	BlockedAccounts  int64 `json:"blocked_accounts"`
	RequestsLastHour int64 `json:"requests_last_hour"`
	RequestsLastDay  int64 `json:"requests_last_day"`
	ActiveLastHour   int64 `json:"active_last_hour"`
	ActiveLastDay    int64 `json:"active_last_day"`
}

// BlockedList returns every account whose block is still in force at now.
// Accounts with expired block flags are skipped, not cleared; expiry stays
// lazy on the request path.
func (l *Limiter) BlockedList(ctx context.Context, now time.Time) ([]BlockedAccount, error) {
	var out []BlockedAccount
	err := l.store.ForEach(ctx, func(a *model.Account) error {
		if a.BlockActive(now) {
			out = append(out, BlockedAccount{
				PhoneNumber:    a.PhoneNumber,
				BlockExpiresAt: a.BlockExpiresAt,
				RemainingHours: ceilHours(a.BlockExpiresAt.Sub(now)),
				RequestCount:   a.RequestCount,
				LastRequestAt:  a.LastRequestAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unblock clears a block regardless of its expiry. The request log is kept,
// so the account can be blocked again immediately if it keeps hammering.
func (l *Limiter) Unblock(ctx context.Context, phone string) error {
	unlock := l.locks.Lock(phone)
	defer unlock()

	account, err := l.store.Get(ctx, phone)
	if err != nil {
		return err
	}

	account.IsBlocked = false
	account.BlockExpiresAt = time.Time{}
	account.UpdatedAt = time.Now()

	if err := l.store.Save(ctx, account); err != nil {
		return err
	}

	util.Info("Account unblocked", util.String("phone", util.MaskPhone(phone)))
	return nil
}

// Reset wipes an account's limiter state: block, request log, cooldown and
// lifetime counter all return to zero.
func (l *Limiter) Reset(ctx context.Context, phone string) error {
	unlock := l.locks.Lock(phone)
	defer unlock()

	account, err := l.store.Get(ctx, phone)
	if err != nil {
		return err
	}

	now := time.Now()
	account.IsBlocked = false
	account.BlockExpiresAt = time.Time{}
	account.RequestLog = nil
	account.PruneBefore = now
	account.LastRequestAt = time.Time{}
	account.RequestCount = 0
	account.UpdatedAt = now

	if err := l.store.Save(ctx, account); err != nil {
		return err
	}

	util.Info("Rate limit state reset", util.String("phone", util.MaskPhone(phone)))
	return nil
}

// CollectStats walks every account once and aggregates window activity at now.
func (l *Limiter) CollectStats(ctx context.Context, now time.Time) (*Stats, error) {
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	stats := &Stats{}
	err := l.store.ForEach(ctx, func(a *model.Account) error {
		stats.TotalAccounts++
		if a.BlockActive(now) {
			stats.BlockedAccounts++
		}
		hourly := int64(a.CountSince(hourAgo))
		daily := int64(a.CountSince(dayAgo))
		stats.RequestsLastHour += hourly
		stats.RequestsLastDay += daily
		if hourly > 0 {
			stats.ActiveLastHour++
		}
		if daily > 0 {
			stats.ActiveLastDay++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Cleanup prunes request log entries older than the retention window from
// every account and returns how many accounts were modified. Retention is a
// week while the widest counting window is a day, so cleanup never changes a
// limiter decision.
func (l *Limiter) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-l.cfg.Retention)

	var phones []string
	err := l.store.ForEach(ctx, func(a *model.Account) error {
		for _, e := range a.RequestLog {
			if !e.Timestamp.After(cutoff) {
				phones = append(phones, a.PhoneNumber)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var modified int64
	for _, phone := range phones {
		if err := l.cleanupAccount(ctx, phone, cutoff); err != nil {
			return modified, err
		}
		modified++
	}

	if modified > 0 {
		util.Info("Pruned aged request logs", util.Int64("accounts", modified))
	}
	return modified, nil
}

func (l *Limiter) cleanupAccount(ctx context.Context, phone string, cutoff time.Time) error {
	unlock := l.locks.Lock(phone)
	defer unlock()

	account, err := l.store.Get(ctx, phone)
	if err != nil {
		return err
	}

	kept := account.RequestLog[:0]
	for _, e := range account.RequestLog {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	account.RequestLog = kept
	account.PruneBefore = cutoff

	return l.store.Save(ctx, account)
}
