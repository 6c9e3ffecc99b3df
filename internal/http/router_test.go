package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/account"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/auth"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/domainsync"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/mailroute"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/monitor"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/config"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/crypto"
)

// newTestRouter builds a router whose domain services are zero values. Only
// routes that never reach a service may be exercised through it.
func newTestRouter(logger *slog.Logger, authSvc auth.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	return NewRouter(logger, authSvc, domainsync.Service{}, nil, monitor.Service{}, mailroute.Service{}, account.Service{}, nil, limiter, dbHealth)
}

type userRepoStub struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newUserRepoStub() *userRepoStub {
	return &userRepoStub{users: make(map[string]*domain.User)}
}

func (r *userRepoStub) CreateUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	return nil
}

func (r *userRepoStub) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *userRepoStub) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[id]; ok {
		return user, nil
	}
	return nil, repository.ErrNotFound
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

func setupRouter(t *testing.T, limiter RateLimiter) (*Router, auth.Session) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := crypto.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	userRepo := newUserRepoStub()
	userRepo.users["user-123"] = &domain.User{
		ID:           "user-123",
		Email:        "admin@example.com",
		PasswordHash: hash,
		IsAdmin:      true,
	}

	cfg := config.APIConfig{
		JWTSecret:      "test-secret",
		AccessTokenTTL: time.Hour,
	}
	authSvc := auth.New(userRepo, logger, cfg)

	router := newTestRouter(logger, authSvc, limiter, nil)
	t.Cleanup(router.Close)

	_, session, err := authSvc.Login(context.Background(), "admin@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return router, session
}

func rpcRequest(session auth.Session, action string, payload any) *http.Request {
	body, _ := json.Marshal(map[string]any{"action": action, "payload": payload})
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.Header.Set("X-CSRF-Token", session.CSRFToken)
	return req
}

func TestLoginIssuesSessionTokens(t *testing.T) {
	router, _ := setupRouter(t, &rateLimiterStub{})

	body := bytes.NewReader([]byte(`{"email":"admin@example.com","password":"correct horse"}`))
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if token, _ := resp["access_token"].(string); token == "" {
		t.Fatal("expected access_token in response")
	}
	if token, _ := resp["csrf_token"].(string); token == "" {
		t.Fatal("expected csrf_token in response")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	router, _ := setupRouter(t, &rateLimiterStub{})

	body := bytes.NewReader([]byte(`{"email":"admin@example.com","password":"wrong"}`))
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRPCRequiresCSRFToken(t *testing.T) {
	router, session := setupRouter(t, &rateLimiterStub{})

	req := rpcRequest(session, "monitoring.sync", map[string]any{})
	req.Header.Del("X-CSRF-Token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rr.Code)
	}
}

func TestRPCRejectsForgedCSRFToken(t *testing.T) {
	router, session := setupRouter(t, &rateLimiterStub{})

	req := rpcRequest(session, "monitoring.sync", map[string]any{})
	req.Header.Set("X-CSRF-Token", "forged")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for forged csrf token, got %d", rr.Code)
	}
}

func TestRPCRequiresAuth(t *testing.T) {
	router, _ := setupRouter(t, &rateLimiterStub{})

	body := bytes.NewReader([]byte(`{"action":"monitoring.sync","payload":{}}`))
	req := httptest.NewRequest(http.MethodPost, "/rpc", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rr.Code)
	}
}

func TestRPCUnknownActionRejected(t *testing.T) {
	router, session := setupRouter(t, &rateLimiterStub{})

	req := rpcRequest(session, "domains.explode", map[string]any{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rr.Code)
	}
}

func TestRPCAdminActionRejectedForNonAdmin(t *testing.T) {
	router, _ := setupRouter(t, &rateLimiterStub{})

	hash, err := crypto.HashPassword("pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	// Swap in an auth service that knows a non-admin operator.
	repo := newUserRepoStub()
	repo.users["user-9"] = &domain.User{
		ID:           "user-9",
		Email:        "viewer@example.com",
		PasswordHash: hash,
	}
	cfg := config.APIConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour}
	authSvc := auth.New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	_, session, err := authSvc.Login(context.Background(), "viewer@example.com", "pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	router.auth = authSvc

	// The whole RPC surface mutates state, so every action is rejected, not
	// just the destructive ones.
	actions := []struct {
		action  string
		payload map[string]any
	}{
		{"domains.delete", map[string]any{"project_id": "p1", "domain_id": "d1"}},
		{"domains.sync", map[string]any{"project_id": "p1"}},
		{"monitoring.sync", map[string]any{}},
		{"redirects.upsert", map[string]any{"project_id": "p1"}},
	}
	for _, tc := range actions {
		req := rpcRequest(session, tc.action, tc.payload)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for non-admin %s, got %d", tc.action, rr.Code)
		}
	}
}

func TestRPCRateLimited(t *testing.T) {
	limiter := &rateLimiterStub{}
	reset := time.Unix(1_950_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}
	router, session := setupRouter(t, limiter)

	req := rpcRequest(session, "monitoring.sync", map[string]any{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header: %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header: %q", got)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 1 {
		t.Fatalf("expected one limiter call, got %d", len(limiter.calls))
	}
	if limiter.calls[0].key != "user:user-123" {
		t.Fatalf("expected per-user rate key, got %q", limiter.calls[0].key)
	}
}

func TestMetricsEndpointReportsRequests(t *testing.T) {
	router, _ := setupRouter(t, &rateLimiterStub{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "sdm_api_http_requests_total") {
		t.Fatalf("request counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "sdm_api_http_request_duration_seconds") {
		t.Fatalf("latency histogram missing from exposition:\n%s", body)
	}
}

func TestMetricsCountRateLimitHits(t *testing.T) {
	limiter := &rateLimiterStub{}
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: time.Now().Add(window)}
	}
	router, session := setupRouter(t, limiter)

	req := rpcRequest(session, "monitoring.sync", map[string]any{})
	router.ServeHTTP(httptest.NewRecorder(), req)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rr.Body.String(), `sdm_api_rate_limit_hits_total{key="user",route="/rpc"}`) {
		t.Fatalf("rate limit hit not recorded:\n%s", rr.Body.String())
	}
}

func TestHealthzReportsDatabaseDown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.New(newUserRepoStub(), logger, config.APIConfig{JWTSecret: "s", AccessTokenTTL: time.Hour})
	router := newTestRouter(logger, authSvc, &rateLimiterStub{}, func(ctx context.Context) error {
		return assertError("connection refused")
	})
	t.Cleanup(router.Close)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when database is down, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", resp["status"])
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		if d := limiter.Allow("key", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if d := limiter.Allow("key", 3, time.Minute); d.allowed {
		t.Fatal("fourth request should be blocked")
	}
	if d := limiter.Allow("other", 3, time.Minute); !d.allowed {
		t.Fatal("different key should not share the window")
	}
}

func TestMemoryRateLimiterCleanup(t *testing.T) {
	rl := &memoryRateLimiter{
		entries: make(map[string]rateState),
		stopCh:  make(chan struct{}),
	}
	rl.entries["stale"] = rateState{count: 5, windowEnd: time.Now().Add(-time.Minute)}
	rl.entries["fresh"] = rateState{count: 1, windowEnd: time.Now().Add(time.Minute)}

	rl.cleanup(time.Now())

	if _, ok := rl.entries["stale"]; ok {
		t.Fatal("expired entry should be removed")
	}
	if _, ok := rl.entries["fresh"]; !ok {
		t.Fatal("live entry should be kept")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"", "", false},
		{"Basic abc", "", false},
		{"Bearer", "", false},
	}
	for _, tc := range cases {
		got, err := bearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("header %q: got %q, err %v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("header %q: expected error", tc.header)
		}
	}
}

type assertError string

func (e assertError) Error() string { return string(e) }
