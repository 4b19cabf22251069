package model

import (
	"context"
	"errors"
	"time"

	"presence-service/internal/hashing"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// RequestEntry is one PIN request in an account's rolling log.
type RequestEntry struct {
	Timestamp time.Time `json:"timestamp" db:"requested_at"`
	IPAddress string    `json:"ip_address" db:"ip_address"`
}

// Account is the per-phone record. The rate limit fields mirror what the
// limiter reads and writes on every decision; the presence fields back the
// social surface.
type Account struct {
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	// Rate limiting state
	RequestLog     []RequestEntry `json:"request_log" db:"-"`
	LastRequestAt  time.Time      `json:"last_request_at" db:"last_request_at"`
	RequestCount   int64          `json:"request_count" db:"request_count"`
	IsBlocked      bool           `json:"is_blocked" db:"is_blocked"`
	BlockExpiresAt time.Time      `json:"block_expires_at" db:"block_expires_at"`

	// Pending verification PIN, nil when none outstanding
	PINHash      *hashing.HashResult `json:"-" db:"-"`
	PINExpiresAt time.Time           `json:"-" db:"pin_expires_at"`

	// Presence profile
	Name        string   `json:"name" db:"name"`
	IsAvailable bool     `json:"is_available" db:"is_available"`
	Friends     []string `json:"friends" db:"friends"`
	IsVerified  bool     `json:"is_verified" db:"is_verified"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// PruneBefore, when set, tells the store to drop request log rows older
	// than this instant on the next Save. Not persisted itself.
	PruneBefore time.Time `json:"-" db:"-"`
}

// BlockActive reports whether a block is in force at now. It never mutates
// the account; callers clear expired blocks explicitly.
func (a *Account) BlockActive(now time.Time) bool {
	return a.IsBlocked && a.BlockExpiresAt.After(now)
}

// CountSince returns how many logged requests happened strictly after cutoff.
func (a *Account) CountSince(cutoff time.Time) int {
	n := 0
	for _, e := range a.RequestLog {
		if e.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// AccountStore is the persistence contract for accounts. Implementations must
// return copies; callers mutate the returned account and pass it back to Save.
type AccountStore interface {
	// Get returns the account for phone, or ErrAccountNotFound.
	Get(ctx context.Context, phone string) (*Account, error)

	// Create inserts a new account, or ErrAccountExists.
	Create(ctx context.Context, account *Account) error

	// Save persists the full account state, honoring PruneBefore.
	Save(ctx context.Context, account *Account) error

	// Delete removes the account and its request log.
	Delete(ctx context.Context, phone string) error

	// ForEach visits every account. Returning an error from fn stops the scan.
	ForEach(ctx context.Context, fn func(*Account) error) error

	// Count returns the total number of accounts.
	Count(ctx context.Context) (int64, error)
}
