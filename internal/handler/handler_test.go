package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"presence-service/internal/bucketing"
	"presence-service/internal/client"
	"presence-service/internal/config"
	"presence-service/internal/hashing"
	"presence-service/internal/model"
	"presence-service/internal/ratelimit"
	"presence-service/internal/repository/memory"
	redisrepo "presence-service/internal/repository/redis"
	"presence-service/internal/service"
)

type pinCapture struct {
	pins map[string]string
}

func (c *pinCapture) SendPIN(ctx context.Context, phone, pin string) error {
	if c.pins == nil {
		c.pins = make(map[string]string)
	}
	c.pins[phone] = pin
	return nil
}

type testEnv struct {
	router  http.Handler
	store   *memory.AccountStore
	limiter *ratelimit.Limiter
	tokens  *service.TokenService
	sender  *pinCapture
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Bucketing.AccountBuckets = 16
	cfg.Bucketing.EventBuckets = 16
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.AdminSecret = "admin-key"
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
	cfg.Server.CORSOrigins = []string{"http://localhost:5173"}

	store := memory.NewAccountStore()
	locks := bucketing.NewStripedLocks(bucketing.NewManager(cfg))
	limiter := ratelimit.NewLimiter(store, locks, ratelimit.FromAppConfig(cfg))
	hasher := hashing.NewHasher(cfg)

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })

	sender := &pinCapture{}
	tokens := service.NewTokenService(cfg)
	authService := service.NewAuthService(store, limiter, hasher,
		redisrepo.NewVerifyCache(rc), sender, tokens, locks, cfg)
	presenceService := service.NewPresenceService(store, locks)

	router := NewRouter(cfg,
		NewAuthHandler(authService),
		NewPresenceHandler(presenceService, tokens),
		NewAdminHandler(limiter, nil, cfg.Auth.AdminSecret),
	)

	return &testEnv{
		router:  router,
		store:   store,
		limiter: limiter,
		tokens:  tokens,
		sender:  sender,
		cfg:     cfg,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func (e *testEnv) authenticate(t *testing.T, phone string) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/v1/auth/request-pin",
		map[string]string{"phone_number": phone}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("request-pin status = %d: %s", rec.Code, rec.Body.String())
	}

	pin := e.sender.pins[phone]
	rec = e.do(t, http.MethodPost, "/api/v1/auth/verify-pin",
		map[string]string{"phone_number": phone, "pin": pin}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-pin status = %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Data.Token == "" {
		t.Fatal("no token in verify response")
	}
	return payload.Data.Token
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	token := env.authenticate(t, "+15550001111")

	phone, err := env.tokens.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if phone != "+15550001111" {
		t.Fatalf("token phone = %s", phone)
	}
}

func TestRequestPINCooldownResponse(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/request-pin",
		map[string]string{"phone_number": "+15550001111"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/request-pin",
		map[string]string{"phone_number": "+15550001111"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}

	resp := decodeResponse(t, rec)
	if resp.Success {
		t.Fatal("cooldown response marked success")
	}
	if resp.Message == "" {
		t.Fatal("cooldown response missing message")
	}
}

func TestRequestPINInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/request-pin",
		bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestVerifyPINWrongPINStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/request-pin",
		map[string]string{"phone_number": "+15550001111"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Body.String())
	}

	pin := env.sender.pins["+15550001111"]
	wrong := "0000"
	if wrong == pin {
		wrong = "0001"
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/verify-pin",
		map[string]string{"phone_number": "+15550001111", "pin": wrong}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.authenticate(t, "+15550001111")
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	// No token
	rec := env.do(t, http.MethodGet, "/api/v1/me/", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/me/name",
		map[string]string{"name": "Alex"}, authHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("set name status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPut, "/api/v1/me/availability",
		map[string]bool{"is_available": true}, authHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("set availability status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/me/", nil, authHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d", rec.Code)
	}
	var profile struct {
		Data struct {
			Name        string `json:"name"`
			IsAvailable bool   `json:"is_available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatal(err)
	}
	if profile.Data.Name != "Alex" || !profile.Data.IsAvailable {
		t.Fatalf("profile = %+v", profile.Data)
	}
}

func TestFriendEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.authenticate(t, "+15550001111")
	env.authenticate(t, "+15550002222")
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	rec := env.do(t, http.MethodPost, "/api/v1/me/friends/",
		map[string]string{"phone_number": "+15550002222"}, authHeader)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add friend status = %d: %s", rec.Code, rec.Body.String())
	}

	// Duplicate
	rec = env.do(t, http.MethodPost, "/api/v1/me/friends/",
		map[string]string{"phone_number": "+15550002222"}, authHeader)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add status = %d, want 409", rec.Code)
	}

	// Unknown friend
	rec = env.do(t, http.MethodPost, "/api/v1/me/friends/",
		map[string]string{"phone_number": "+15559999999"}, authHeader)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown friend status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/me/friends/", nil, authHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("list friends status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/me/friends/+15550002222", nil, authHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove friend status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	adminHeader := map[string]string{"X-Admin-Key": "admin-key"}

	if err := env.store.Create(ctx, &model.Account{
		PhoneNumber:    "+15550001111",
		LastRequestAt:  now.Add(-time.Minute),
		RequestCount:   7,
		IsBlocked:      true,
		BlockExpiresAt: now.Add(10 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	// No admin key
	rec := env.do(t, http.MethodGet, "/api/v1/admin/blocked-users", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no key status = %d, want 403", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/admin/blocked-users", nil, adminHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("blocked-users status = %d", rec.Code)
	}
	var blocked struct {
		Data []ratelimit.BlockedAccount `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &blocked); err != nil {
		t.Fatal(err)
	}
	if len(blocked.Data) != 1 || blocked.Data[0].RemainingHours != 10 {
		t.Fatalf("blocked list = %+v", blocked.Data)
	}
	if blocked.Data[0].RequestCount != 7 || blocked.Data[0].LastRequestAt.IsZero() {
		t.Fatalf("blocked entry diagnostics = %+v", blocked.Data[0])
	}

	rec = env.do(t, http.MethodPost, "/api/v1/admin/unblock",
		map[string]string{"phone_number": "+15550001111"}, adminHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/admin/unblock",
		map[string]string{"phone_number": "+15559999999"}, adminHeader)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unblock unknown status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/admin/rate-limit-stats", nil, adminHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/admin/rate-limit-status/+15550001111", nil, adminHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/admin/cleanup", nil, adminHeader)
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d", rec.Code)
	}

	// Event search backend not wired in this environment
	rec = env.do(t, http.MethodGet, "/api/v1/admin/events", nil, adminHeader)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("events status = %d, want 503", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}
