package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"presence-service/internal/bucketing"
	"presence-service/internal/config"
	"presence-service/internal/hashing"
	"presence-service/internal/model"
	"presence-service/internal/notify"
	"presence-service/internal/ratelimit"
	redisrepo "presence-service/internal/repository/redis"
	"presence-service/internal/util"
)

var (
	ErrInvalidPIN      = errors.New("invalid pin")
	ErrPINExpired      = errors.New("pin expired")
	ErrNoPINPending    = errors.New("no pin pending for this phone")
	ErrTooManyAttempts = errors.New("too many failed verification attempts")
)

// RateLimitError carries the limiter's denial so handlers can render the
// retry hints.
type RateLimitError struct {
	Result ratelimit.Result
}

func (e *RateLimitError) Error() string {
	return e.Result.Message
}

// PINRequestResult reports a successful PIN issue.
type PINRequestResult struct {
	PhoneNumber     string `json:"phone_number"`
	RemainingHourly int    `json:"remaining_hourly"`
	RemainingDaily  int    `json:"remaining_daily"`

	// FailOpen is set when the limiter let the request through because its
	// store was unavailable.
	FailOpen bool `json:"fail_open,omitempty"`
}

// AuthService runs the PIN flow: rate limited issue over SMS, then verify
// for a session token.
type AuthService struct {
	store   model.AccountStore
	limiter *ratelimit.Limiter
	hasher  *hashing.Hasher
	cache   *redisrepo.VerifyCache
	sms     notify.SMSSender
	tokens  *TokenService
	locks   *bucketing.StripedLocks
	cfg     *config.Config
}

func NewAuthService(
	store model.AccountStore,
	limiter *ratelimit.Limiter,
	hasher *hashing.Hasher,
	cache *redisrepo.VerifyCache,
	sms notify.SMSSender,
	tokens *TokenService,
	locks *bucketing.StripedLocks,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		store:   store,
		limiter: limiter,
		hasher:  hasher,
		cache:   cache,
		sms:     sms,
		tokens:  tokens,
		locks:   locks,
		cfg:     cfg,
	}
}

// RequestPIN issues a verification PIN to phone, subject to rate limiting.
// SMS dispatch is best effort: a gateway failure logs and still succeeds, the
// user just retries after the cooldown.
func (s *AuthService) RequestPIN(ctx context.Context, rawPhone, clientIP string) (*PINRequestResult, error) {
	phone, err := util.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	// Review accounts skip rate limiting and get the fixed PIN.
	if s.isTestPhone(phone) {
		return &PINRequestResult{
			PhoneNumber:     phone,
			RemainingHourly: s.cfg.RateLimit.MaxRequestsPerHour,
			RemainingDaily:  s.cfg.RateLimit.MaxRequestsPerDay,
		}, nil
	}

	res := s.limiter.Check(ctx, phone, clientIP, time.Now())
	if !res.Outcome.Permitted() {
		return nil, &RateLimitError{Result: res}
	}

	pin, err := s.hasher.GeneratePIN()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pin: %w", err)
	}

	if err := s.storePIN(ctx, phone, pin); err != nil {
		return nil, err
	}

	if err := s.cache.MarkPending(ctx, phone, s.cfg.Auth.PINTTL); err != nil {
		util.Warn("Failed to mark verification pending",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
	}

	if err := s.sms.SendPIN(ctx, phone, pin); err != nil {
		util.Error("SMS dispatch failed",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
	}

	return &PINRequestResult{
		PhoneNumber:     phone,
		RemainingHourly: res.RemainingHourly,
		RemainingDaily:  res.RemainingDaily,
		FailOpen:        res.Outcome == ratelimit.AllowedDueToStoreFailure,
	}, nil
}

func (s *AuthService) storePIN(ctx context.Context, phone, pin string) error {
	unlock := s.locks.Lock(phone)
	defer unlock()

	account, err := s.store.Get(ctx, phone)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	hashResult, err := s.hasher.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("failed to hash pin: %w", err)
	}

	now := time.Now()
	account.PINHash = hashResult
	account.PINExpiresAt = now.Add(s.cfg.Auth.PINTTL)
	account.UpdatedAt = now

	if err := s.store.Save(ctx, account); err != nil {
		return fmt.Errorf("failed to store pin: %w", err)
	}
	return nil
}

// VerifyPIN checks the submitted PIN and returns a session token. Failed
// attempts count toward a window limit; hitting it rejects further tries
// until the window expires.
func (s *AuthService) VerifyPIN(ctx context.Context, rawPhone, pin string) (string, *model.Account, error) {
	phone, err := util.NormalizePhone(rawPhone)
	if err != nil {
		return "", nil, err
	}

	if s.isTestPhone(phone) {
		return s.verifyTestPhone(ctx, phone, pin)
	}

	attempts, err := s.cache.AttemptCount(ctx, phone)
	if err != nil {
		util.Warn("Failed to read verify attempts", util.ErrorField(err))
	} else if attempts >= s.cfg.Auth.MaxVerifyAttempts {
		return "", nil, ErrTooManyAttempts
	}

	unlock := s.locks.Lock(phone)
	defer unlock()

	account, err := s.store.Get(ctx, phone)
	if errors.Is(err, model.ErrAccountNotFound) {
		return "", nil, ErrNoPINPending
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account.PINHash == nil {
		return "", nil, ErrNoPINPending
	}

	now := time.Now()
	if account.PINExpiresAt.Before(now) {
		return "", nil, ErrPINExpired
	}

	ok, err := s.hasher.VerifyPIN(pin, account.PINHash)
	if err != nil {
		return "", nil, fmt.Errorf("failed to verify pin: %w", err)
	}
	if !ok {
		if _, err := s.cache.IncrementAttempts(ctx, phone, s.cfg.Auth.VerifyWindow); err != nil {
			util.Warn("Failed to count verify attempt", util.ErrorField(err))
		}
		return "", nil, ErrInvalidPIN
	}

	account.PINHash = nil
	account.PINExpiresAt = time.Time{}
	account.IsVerified = true
	account.UpdatedAt = now

	if err := s.store.Save(ctx, account); err != nil {
		return "", nil, fmt.Errorf("failed to save account: %w", err)
	}

	if err := s.cache.Clear(ctx, phone); err != nil {
		util.Warn("Failed to clear verify state", util.ErrorField(err))
	}

	token, err := s.tokens.Issue(phone)
	if err != nil {
		return "", nil, err
	}

	util.Info("Phone verified", util.String("phone", util.MaskPhone(phone)))
	return token, account, nil
}

func (s *AuthService) verifyTestPhone(ctx context.Context, phone, pin string) (string, *model.Account, error) {
	if pin != s.cfg.Auth.TestPIN {
		return "", nil, ErrInvalidPIN
	}

	unlock := s.locks.Lock(phone)
	defer unlock()

	now := time.Now()
	account, err := s.store.Get(ctx, phone)
	if errors.Is(err, model.ErrAccountNotFound) {
		account = &model.Account{
			PhoneNumber: phone,
			CreatedAt:   now,
		}
		if err := s.store.Create(ctx, account); err != nil && !errors.Is(err, model.ErrAccountExists) {
			return "", nil, fmt.Errorf("failed to create test account: %w", err)
		}
	} else if err != nil {
		return "", nil, fmt.Errorf("failed to load account: %w", err)
	}

	account.IsVerified = true
	account.UpdatedAt = now
	if err := s.store.Save(ctx, account); err != nil {
		return "", nil, fmt.Errorf("failed to save account: %w", err)
	}

	token, err := s.tokens.Issue(phone)
	if err != nil {
		return "", nil, err
	}
	return token, account, nil
}

func (s *AuthService) isTestPhone(phone string) bool {
	return s.cfg.Auth.TestPhone != "" && phone == s.cfg.Auth.TestPhone
}
