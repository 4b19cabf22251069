package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"presence-service/internal/bucketing"
	"presence-service/internal/model"
	"presence-service/internal/util"
)

// Outcome classifies a rate limit decision. Store failures surface as their
// own outcome so callers and auditing can tell a real pass from a fail-open.
type Outcome int

const (
	Allowed Outcome = iota
	Denied
	AllowedDueToStoreFailure
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case AllowedDueToStoreFailure:
		return "allowed_store_failure"
	default:
		return "unknown"
	}
}

// Permitted reports whether the request may proceed.
func (o Outcome) Permitted() bool {
	return o != Denied
}

const (
	ReasonFirstRequest = "first_request"
	ReasonAllowed      = "allowed"
	ReasonBlocked      = "blocked"
	ReasonCooldown     = "cooldown"
	ReasonHourlyLimit  = "hourly_limit"
	ReasonDailyLimit   = "daily_limit"
	ReasonStoreFailure = "error"
)

// Result is one rate limit decision.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`

	// RemainingHourly and RemainingDaily are how many requests are left in
	// each window after this one. Only meaningful when the outcome is Allowed.
	RemainingHourly int `json:"remaining_hourly,omitempty"`
	RemainingDaily  int `json:"remaining_daily,omitempty"`

	// RetryAfterHours is set on block denials, RetryAfterMinutes on cooldown
	// denials. Both round up so the caller never retries early.
	RetryAfterHours   int `json:"retry_after_hours,omitempty"`
	RetryAfterMinutes int `json:"retry_after_minutes,omitempty"`
}

// Decision is the audit record emitted for every Check call.
type Decision struct {
	PhoneNumber string
	IPAddress   string
	Outcome     Outcome
	Reason      string
	At          time.Time
}

// DecisionRecorder receives every decision for offline analysis.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d Decision)
}

// EventSink receives abuse events worth alerting on.
type EventSink interface {
	AccountBlocked(ctx context.Context, phone string, until time.Time, reason string)
}

// Limiter throttles PIN requests per phone number: a cooldown between
// consecutive requests, sliding hourly and daily windows, and a 24 hour block
// once a window limit is hit. Blocks expire lazily on the next check. Store
// errors fail open.
type Limiter struct {
	store    model.AccountStore
	locks    *bucketing.StripedLocks
	cfg      Config
	recorder DecisionRecorder
	events   EventSink
}

type Option func(*Limiter)

func WithRecorder(r DecisionRecorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

func WithEventSink(s EventSink) Option {
	return func(l *Limiter) { l.events = s }
}

func NewLimiter(store model.AccountStore, locks *bucketing.StripedLocks, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		locks: locks,
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check decides whether a PIN request from phone may proceed at now, and
// records the request when it does. Calls for the same phone are serialized;
// the decision is atomic with respect to concurrent checks.
func (l *Limiter) Check(ctx context.Context, phone, clientIP string, now time.Time) Result {
	unlock := l.locks.Lock(phone)
	defer unlock()

	res, err := l.check(ctx, phone, clientIP, now)
	if err != nil {
		util.Error("Rate limit check failed, allowing request",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err),
		)
		res = Result{
			Outcome: AllowedDueToStoreFailure,
			Reason:  ReasonStoreFailure,
			Message: "Rate limit check failed, allowing request",
		}
	}

	if l.recorder != nil {
		l.recorder.RecordDecision(ctx, Decision{
			PhoneNumber: phone,
			IPAddress:   clientIP,
			Outcome:     res.Outcome,
			Reason:      res.Reason,
			At:          now,
		})
	}

	return res
}

func (l *Limiter) check(ctx context.Context, phone, clientIP string, now time.Time) (Result, error) {
	account, err := l.store.Get(ctx, phone)
	if errors.Is(err, model.ErrAccountNotFound) {
		return l.createAccount(ctx, phone, clientIP, now)
	}
	if err != nil {
		return Result{}, err
	}

	if account.BlockActive(now) {
		hours := ceilHours(account.BlockExpiresAt.Sub(now))
		return Result{
			Outcome:         Denied,
			Reason:          ReasonBlocked,
			Message:         fmt.Sprintf("Account blocked. Try again in %d hours.", hours),
			RetryAfterHours: hours,
		}, nil
	}

	// Expired block clears lazily; the cleared flags persist with whatever
	// write happens next.
	if account.IsBlocked {
		account.IsBlocked = false
		account.BlockExpiresAt = time.Time{}
	}

	if !account.LastRequestAt.IsZero() {
		elapsed := now.Sub(account.LastRequestAt)
		if elapsed < l.cfg.Cooldown {
			minutes := ceilMinutes(l.cfg.Cooldown - elapsed)
			return Result{
				Outcome:           Denied,
				Reason:            ReasonCooldown,
				Message:           fmt.Sprintf("Please wait %d minutes before requesting another PIN.", minutes),
				RetryAfterMinutes: minutes,
			}, nil
		}
	}

	hourly := account.CountSince(now.Add(-time.Hour))
	if hourly >= l.cfg.MaxRequestsPerHour {
		return l.applyBlock(ctx, account, now, ReasonHourlyLimit,
			"Too many PIN requests. Account blocked for 24 hours.")
	}

	daily := account.CountSince(now.Add(-24 * time.Hour))
	if daily >= l.cfg.MaxRequestsPerDay {
		return l.applyBlock(ctx, account, now, ReasonDailyLimit,
			"Daily PIN request limit exceeded. Account blocked for 24 hours.")
	}

	// Allowed: prune aged entries, record the request
	cutoff := now.Add(-l.cfg.Retention)
	kept := account.RequestLog[:0]
	for _, e := range account.RequestLog {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	account.RequestLog = append(kept, model.RequestEntry{Timestamp: now, IPAddress: clientIP})
	account.PruneBefore = cutoff
	account.LastRequestAt = now
	account.RequestCount++
	account.UpdatedAt = now

	if err := l.store.Save(ctx, account); err != nil {
		return Result{}, err
	}

	return Result{
		Outcome:         Allowed,
		Reason:          ReasonAllowed,
		Message:         "Request allowed",
		RemainingHourly: l.cfg.MaxRequestsPerHour - hourly - 1,
		RemainingDaily:  l.cfg.MaxRequestsPerDay - daily - 1,
	}, nil
}

func (l *Limiter) createAccount(ctx context.Context, phone, clientIP string, now time.Time) (Result, error) {
	account := &model.Account{
		PhoneNumber:   phone,
		RequestLog:    []model.RequestEntry{{Timestamp: now, IPAddress: clientIP}},
		LastRequestAt: now,
		RequestCount:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.store.Create(ctx, account); err != nil {
		if errors.Is(err, model.ErrAccountExists) {
			// Lost a race across processes; re-run against the stored row.
			return l.check(ctx, phone, clientIP, now)
		}
		return Result{}, err
	}
	return Result{
		Outcome:         Allowed,
		Reason:          ReasonFirstRequest,
		Message:         "First request",
		RemainingHourly: l.cfg.MaxRequestsPerHour - 1,
		RemainingDaily:  l.cfg.MaxRequestsPerDay - 1,
	}, nil
}

func (l *Limiter) applyBlock(ctx context.Context, account *model.Account, now time.Time, reason, message string) (Result, error) {
	account.IsBlocked = true
	account.BlockExpiresAt = now.Add(l.cfg.BlockDuration)
	account.UpdatedAt = now

	if err := l.store.Save(ctx, account); err != nil {
		return Result{}, err
	}

	util.Warn("Account blocked",
		util.String("phone", util.MaskPhone(account.PhoneNumber)),
		util.String("reason", reason),
		util.Time("until", account.BlockExpiresAt),
	)

	if l.events != nil {
		l.events.AccountBlocked(ctx, account.PhoneNumber, account.BlockExpiresAt, reason)
	}

	return Result{
		Outcome:         Denied,
		Reason:          reason,
		Message:         message,
		RetryAfterHours: ceilHours(l.cfg.BlockDuration),
	}, nil
}

// Status reads the account's limiter state at now without mutating anything,
// so polling a status endpoint never changes a future decision. A phone the
// limiter has never seen reports full quotas rather than an error.
func (l *Limiter) Status(ctx context.Context, phone string, now time.Time) (*Status, error) {
	account, err := l.store.Get(ctx, phone)
	if errors.Is(err, model.ErrAccountNotFound) {
		return &Status{
			PhoneNumber:     phone,
			RemainingHourly: l.cfg.MaxRequestsPerHour,
			RemainingDaily:  l.cfg.MaxRequestsPerDay,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	s := &Status{
		PhoneNumber:   phone,
		HourlyCount:   account.CountSince(now.Add(-time.Hour)),
		DailyCount:    account.CountSince(now.Add(-24 * time.Hour)),
		RequestCount:  account.RequestCount,
		LastRequestAt: account.LastRequestAt,
	}
	if account.BlockActive(now) {
		s.Blocked = true
		s.BlockExpiresAt = account.BlockExpiresAt
		s.RemainingBlockHours = ceilHours(account.BlockExpiresAt.Sub(now))
	}
	if !account.LastRequestAt.IsZero() {
		if remaining := l.cfg.Cooldown - now.Sub(account.LastRequestAt); remaining > 0 {
			s.CooldownRemaining = remaining
		}
	}
	if remaining := l.cfg.MaxRequestsPerHour - s.HourlyCount; remaining > 0 {
		s.RemainingHourly = remaining
	}
	if remaining := l.cfg.MaxRequestsPerDay - s.DailyCount; remaining > 0 {
		s.RemainingDaily = remaining
	}
	return s, nil
}

// Status is a read-only view of one phone's limiter state.
type Status struct {
	PhoneNumber         string        `json:"phone_number"`
	Blocked             bool          `json:"blocked"`
	BlockExpiresAt      time.Time     `json:"block_expires_at,omitempty"`
	RemainingBlockHours int           `json:"remaining_block_hours,omitempty"`
	CooldownRemaining   time.Duration `json:"cooldown_remaining,omitempty"`
	HourlyCount         int           `json:"hourly_count"`
	DailyCount          int           `json:"daily_count"`
	RemainingHourly     int           `json:"remaining_hourly"`
	RemainingDaily      int           `json:"remaining_daily"`
	LastRequestAt       time.Time     `json:"last_request_at,omitempty"`
	RequestCount        int64         `json:"request_count"`
}

func ceilHours(d time.Duration) int {
	return int(math.Ceil(d.Hours()))
}

func ceilMinutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
}
