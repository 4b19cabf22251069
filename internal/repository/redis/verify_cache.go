package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"presence-service/internal/client"
	"presence-service/internal/util"
)

const (
	attemptPrefix = "verify_attempts:"
	pendingPrefix = "verify_pending:"
)

var ErrNoPendingVerification = errors.New("no pending verification")

// VerifyCache tracks outstanding PIN verifications in Redis: a pending marker
// per phone and a TTL-bound attempt counter. Expiry is left to Redis.
type VerifyCache struct {
	client *client.RedisClient
}

func NewVerifyCache(client *client.RedisClient) *VerifyCache {
	return &VerifyCache{client: client}
}

// MarkPending records that a PIN was issued to phone and expires with it.
func (c *VerifyCache) MarkPending(ctx context.Context, phone string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := pendingPrefix + phone
	if err := c.client.Set(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), ttl); err != nil {
		util.Error("Failed to mark verification pending",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
		return fmt.Errorf("failed to mark verification pending: %w", err)
	}
	return nil
}

// IsPending reports whether phone has an unexpired PIN outstanding.
func (c *VerifyCache) IsPending(ctx context.Context, phone string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := c.client.Exists(ctx, pendingPrefix+phone)
	if err != nil {
		return false, fmt.Errorf("failed to check pending verification: %w", err)
	}
	return exists, nil
}

// IncrementAttempts bumps the failed-verify counter, starting its TTL window
// on first use, and returns the new count.
func (c *VerifyCache) IncrementAttempts(ctx context.Context, phone string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, attemptPrefix+phone, ttl)
	if err != nil {
		util.Error("Failed to increment verify attempts",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
		return 0, fmt.Errorf("failed to increment verify attempts: %w", err)
	}
	return int(count), nil
}

// AttemptCount returns the failed-verify count, zero when none recorded.
func (c *VerifyCache) AttemptCount(ctx context.Context, phone string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	countStr, err := c.client.Get(ctx, attemptPrefix+phone)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get verify attempt count: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid attempt count format: %w", err)
	}
	return count, nil
}

// Clear drops both the pending marker and the attempt counter, called after
// a successful verification.
func (c *VerifyCache) Clear(ctx context.Context, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, pendingPrefix+phone, attemptPrefix+phone); err != nil {
		util.Error("Failed to clear verification state",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
		return fmt.Errorf("failed to clear verification state: %w", err)
	}
	return nil
}
