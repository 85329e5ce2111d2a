package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/auth"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
)

func testAuthManager() *auth.Manager {
	return auth.NewManager(config.AuthConfig{
		Secret:          "test-secret",
		Issuer:          "hybrid-core",
		AccessTokenExp:  time.Hour,
		RefreshTokenExp: 24 * time.Hour,
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := bearerToken(r); got != "" {
		t.Errorf("bearerToken(no header) = %q, want empty", got)
	}

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	if got := bearerToken(r); got != "abc.def.ghi" {
		t.Errorf("bearerToken = %q", got)
	}

	r.Header.Set("Authorization", "bearer lower.case")
	if got := bearerToken(r); got != "lower.case" {
		t.Errorf("bearerToken(lowercase scheme) = %q", got)
	}

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := bearerToken(r); got != "" {
		t.Errorf("bearerToken(basic) = %q, want empty", got)
	}
}

func TestHashPrefix(t *testing.T) {
	a := hashPrefix("token-one")
	if len(a) != 12 {
		t.Errorf("hashPrefix length = %d, want 12", len(a))
	}
	if a != hashPrefix("token-one") {
		t.Errorf("hashPrefix not stable")
	}
	if a == hashPrefix("token-two") {
		t.Errorf("different tokens share a prefix")
	}
}

func TestClientKey_FallsBackToIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if got := clientKey(r); got != "203.0.113.9" {
		t.Errorf("clientKey = %q, want 203.0.113.9", got)
	}

	r.Header.Set("Authorization", "Bearer tkn")
	if got := clientKey(r); got != hashPrefix("tkn") {
		t.Errorf("clientKey with bearer = %q", got)
	}
}

func TestAuthenticate(t *testing.T) {
	mgr := testAuthManager()
	var seen *auth.Principal
	h := Authenticate(mgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFrom(r)
		w.WriteHeader(http.StatusOK)
	}))

	// Missing token.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", rec.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status %d, want 401", rec.Code)
	}

	// Valid token lands the principal in context.
	pair, err := mgr.IssuePair("u1", model.RoleUser)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status %d, want 200", rec.Code)
	}
	if seen == nil || seen.ID != "u1" || seen.Role != model.RoleUser {
		t.Errorf("principal = %+v, want u1/USER", seen)
	}
}

func withPrincipal(r *http.Request, p *auth.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey, p))
}

func TestRequireRole(t *testing.T) {
	guard := RequireRole(model.RoleCaptain)

	// Anonymous.
	rec := httptest.NewRecorder()
	guard(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status %d, want 401", rec.Code)
	}

	// Wrong role.
	rec = httptest.NewRecorder()
	r := withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), &auth.Principal{ID: "u1", Role: model.RoleUser})
	guard(okHandler()).ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong role: status %d, want 403", rec.Code)
	}

	// Matching role.
	rec = httptest.NewRecorder()
	r = withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), &auth.Principal{ID: "c1", Role: model.RoleCaptain})
	guard(okHandler()).ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("captain: status %d, want 200", rec.Code)
	}

	// Admin passes every guard.
	rec = httptest.NewRecorder()
	r = withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), &auth.Principal{ID: "a1", Role: model.RoleAdmin})
	guard(okHandler()).ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("admin: status %d, want 200", rec.Code)
	}
}

// ─── Idempotency and rate limiting ──────────────────────────

func testDispatch(t *testing.T) *repository.DispatchRepository {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return repository.NewDispatchRepository(client)
}

func limitsCfg() config.LimitsConfig {
	return config.LimitsConfig{
		RateLimitWindow: time.Hour,
		RateLimitMax:    3,
		IdempotencyTTL:  time.Hour,
	}
}

// countingHandler writes a fixed response and counts its invocations.
func countingHandler(status int, body string) (http.Handler, *int) {
	calls := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}), &calls
}

func postWithKey(key, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	r.Header.Set("Idempotency-Key", key)
	return r
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	h, calls := countingHandler(http.StatusCreated, `{"id":"j1"}`)
	mw := Idempotency(testDispatch(t), limitsCfg())(h)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, postWithKey("k1", `{"amount":100}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request: status %d, want 201", rec.Code)
	}

	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, postWithKey("k1", `{"amount":100}`))
	if rec.Code != http.StatusCreated {
		t.Errorf("replay: status %d, want 201", rec.Code)
	}
	if rec.Header().Get("Idempotency-Replayed") != "true" {
		t.Errorf("replay not marked with Idempotency-Replayed")
	}
	if rec.Body.String() != `{"id":"j1"}` {
		t.Errorf("replay body = %q, want stored response", rec.Body.String())
	}
	if *calls != 1 {
		t.Errorf("handler ran %d times, want 1", *calls)
	}
}

func TestIdempotency_DifferentBodyConflicts(t *testing.T) {
	h, calls := countingHandler(http.StatusCreated, `{"id":"j1"}`)
	mw := Idempotency(testDispatch(t), limitsCfg())(h)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, postWithKey("k1", `{"amount":100}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request: status %d, want 201", rec.Code)
	}

	// Same key, different payload: must conflict even after the first
	// request completed, never replay the stored response.
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, postWithKey("k1", `{"amount":999}`))
	if rec.Code != http.StatusConflict {
		t.Errorf("divergent body: status %d, want 409", rec.Code)
	}
	if *calls != 1 {
		t.Errorf("handler ran %d times, want 1", *calls)
	}
}

func TestIdempotency_InFlightConflict(t *testing.T) {
	dispatch := testDispatch(t)
	body := `{"amount":100}`

	// Claim the key the way a still-running first request would have.
	scope := hashPrefix("") + ":POST:/api/v1/orders"
	_, claimed, err := dispatch.ClaimIdempotency(context.Background(), scope, "k1", bodyHash([]byte(body)), time.Hour)
	if err != nil || !claimed {
		t.Fatalf("seed claim: claimed=%v err=%v", claimed, err)
	}

	h, calls := countingHandler(http.StatusCreated, `{"id":"j1"}`)
	mw := Idempotency(dispatch, limitsCfg())(h)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, postWithKey("k1", body))
	if rec.Code != http.StatusConflict {
		t.Errorf("in-flight key: status %d, want 409", rec.Code)
	}
	if *calls != 0 {
		t.Errorf("handler ran %d times, want 0", *calls)
	}
}

func TestIdempotency_ServerErrorReleasesKey(t *testing.T) {
	calls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mw := Idempotency(testDispatch(t), limitsCfg())(h)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, postWithKey("k1", `{"amount":100}`))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("first request: status %d, want 500", rec.Code)
	}

	// The 500 released the key, so the retry executes for real.
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, postWithKey("k1", `{"amount":100}`))
	if rec.Code != http.StatusCreated {
		t.Errorf("retry after 500: status %d, want 201", rec.Code)
	}
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

func TestIdempotency_SkipsGetAndKeylessRequests(t *testing.T) {
	h, calls := countingHandler(http.StatusOK, `{}`)
	mw := Idempotency(testDispatch(t), limitsCfg())(h)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1", nil)
		r.Header.Set("Idempotency-Key", "k1")
		mw.ServeHTTP(rec, r)
	}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{}`)))
	}
	if *calls != 4 {
		t.Errorf("handler ran %d times, want 4 (no caching without POST+key)", *calls)
	}
}

func TestRateLimit_CapsFixedWindow(t *testing.T) {
	mw := RateLimit(testDispatch(t), limitsCfg())(okHandler())

	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over cap: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Errorf("429 without Retry-After")
	}
}

func TestRateLimit_HealthExemptAndSeparateCounters(t *testing.T) {
	mw := RateLimit(testDispatch(t), limitsCfg())(okHandler())

	// Health probes never count.
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d: status %d, want 200", i, rec.Code)
		}
	}

	// Exhausting one route leaves another untouched.
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j1", nil))
	}
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/surge", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("separate route: status %d, want 200", rec.Code)
	}
}
