package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"presence-service/internal/bucketing"
	"presence-service/internal/client"
	"presence-service/internal/config"
	"presence-service/internal/hashing"
	"presence-service/internal/model"
	"presence-service/internal/notify"
	"presence-service/internal/ratelimit"
	"presence-service/internal/repository/memory"
	redisrepo "presence-service/internal/repository/redis"
)

type capturePINSender struct {
	pins map[string]string
}

func (c *capturePINSender) SendPIN(ctx context.Context, phone, pin string) error {
	if c.pins == nil {
		c.pins = make(map[string]string)
	}
	c.pins[phone] = pin
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Bucketing.AccountBuckets = 16
	cfg.Bucketing.EventBuckets = 16
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.PINLength = 4
	cfg.Auth.PINTTL = 10 * time.Minute
	cfg.Auth.MaxVerifyAttempts = 5
	cfg.Auth.VerifyWindow = 10 * time.Minute
	cfg.Auth.TestPhone = "+12345678900"
	cfg.Auth.TestPIN = "1234"
	cfg.Hashing.Argon2MemoryCost = 8192
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.RateLimit.MaxRequestsPerHour = 5
	return cfg
}

func newTestAuthService(t *testing.T) (*AuthService, *capturePINSender, *memory.AccountStore, *miniredis.Miniredis) {
	t.Helper()

	cfg := testConfig()
	store := memory.NewAccountStore()
	locks := bucketing.NewStripedLocks(bucketing.NewManager(cfg))
	limiter := ratelimit.NewLimiter(store, locks, ratelimit.FromAppConfig(cfg))
	hasher := hashing.NewHasher(cfg)

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })

	sender := &capturePINSender{}
	svc := NewAuthService(store, limiter, hasher, redisrepo.NewVerifyCache(rc),
		sender, NewTokenService(cfg), locks, cfg)
	return svc, sender, store, mr
}

func TestRequestAndVerifyPIN(t *testing.T) {
	svc, sender, store, _ := newTestAuthService(t)
	ctx := context.Background()

	res, err := svc.RequestPIN(ctx, "+1 555-000-1111", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if res.PhoneNumber != "+15550001111" {
		t.Fatalf("normalized phone = %s", res.PhoneNumber)
	}
	if res.RemainingHourly != 4 {
		t.Fatalf("remaining = %d, want 4", res.RemainingHourly)
	}

	pin, ok := sender.pins["+15550001111"]
	if !ok || len(pin) != 4 {
		t.Fatalf("no PIN dispatched: %v", sender.pins)
	}

	token, account, err := svc.VerifyPIN(ctx, "+15550001111", pin)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if !account.IsVerified {
		t.Fatal("account not marked verified")
	}
	if account.PINHash != nil {
		t.Fatal("PIN hash not cleared after verify")
	}

	stored, err := store.Get(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsVerified {
		t.Fatal("verification not persisted")
	}
}

func TestVerifyPINWrongPIN(t *testing.T) {
	svc, sender, _, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.RequestPIN(ctx, "+15550001111", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}

	pin := sender.pins["+15550001111"]
	wrong := "0000"
	if wrong == pin {
		wrong = "0001"
	}

	_, _, err := svc.VerifyPIN(ctx, "+15550001111", wrong)
	if !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("err = %v, want ErrInvalidPIN", err)
	}

	// The right PIN still works after one failure
	if _, _, err := svc.VerifyPIN(ctx, "+15550001111", pin); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyPINAttemptLimit(t *testing.T) {
	svc, sender, _, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.RequestPIN(ctx, "+15550001111", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	pin := sender.pins["+15550001111"]
	wrong := "0000"
	if wrong == pin {
		wrong = "0001"
	}

	for i := 0; i < 5; i++ {
		if _, _, err := svc.VerifyPIN(ctx, "+15550001111", wrong); !errors.Is(err, ErrInvalidPIN) {
			t.Fatalf("attempt %d: err = %v", i+1, err)
		}
	}

	// Even the correct PIN is rejected once the window limit is hit
	_, _, err := svc.VerifyPIN(ctx, "+15550001111", pin)
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("err = %v, want ErrTooManyAttempts", err)
	}
}

func TestVerifyPINNoPending(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)

	_, _, err := svc.VerifyPIN(context.Background(), "+15550001111", "1234")
	if !errors.Is(err, ErrNoPINPending) {
		t.Fatalf("err = %v, want ErrNoPINPending", err)
	}
}

func TestRequestPINRateLimited(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.RequestPIN(ctx, "+15550001111", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}

	// Immediate retry hits the cooldown
	_, err := svc.RequestPIN(ctx, "+15550001111", "10.0.0.1")
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rlErr.Result.Reason != ratelimit.ReasonCooldown {
		t.Fatalf("reason = %s, want cooldown", rlErr.Result.Reason)
	}
}

func TestTestPhoneBypass(t *testing.T) {
	svc, sender, _, _ := newTestAuthService(t)
	ctx := context.Background()

	// The review phone never rate limits and never sends SMS
	for i := 0; i < 3; i++ {
		res, err := svc.RequestPIN(ctx, "+12345678900", "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if res.PhoneNumber != "+12345678900" {
			t.Fatalf("phone = %s", res.PhoneNumber)
		}
	}
	if len(sender.pins) != 0 {
		t.Fatalf("SMS dispatched for test phone: %v", sender.pins)
	}

	token, account, err := svc.VerifyPIN(ctx, "+12345678900", "1234")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" || !account.IsVerified {
		t.Fatalf("test phone verify failed: token=%q verified=%v", token, account.IsVerified)
	}

	if _, _, err := svc.VerifyPIN(ctx, "+12345678900", "9999"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("wrong test PIN err = %v", err)
	}
}

func TestRequestPINInvalidPhone(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)

	_, err := svc.RequestPIN(context.Background(), "not-a-phone", "10.0.0.1")
	if err == nil {
		t.Fatal("expected error for invalid phone")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokenService(testConfig())

	token, err := tokens.Issue("+15550001111")
	if err != nil {
		t.Fatal(err)
	}

	phone, err := tokens.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if phone != "+15550001111" {
		t.Fatalf("phone = %s", phone)
	}

	if _, err := tokens.Verify(token + "tampered"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token err = %v", err)
	}
	if _, err := tokens.Verify("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v", err)
	}
}

var _ notify.SMSSender = (*capturePINSender)(nil)

var _ model.AccountStore = (*memory.AccountStore)(nil)
