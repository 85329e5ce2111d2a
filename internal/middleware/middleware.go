// Package middleware contains the HTTP middleware chain: request
// logging, panic recovery, CORS, bearer authentication, role guards,
// rate limiting and idempotent replay.
package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/auth"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs every HTTP request with method, path, status, and latency.
//
// Example output:
//
//	[http] POST /api/v1/orders → 201 (4.2ms)
//	[http] POST /api/v1/jobs/accept → 409 (2.1ms)
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		latency := time.Since(start)
		log.Printf("[http] %s %s → %d (%s)",
			r.Method, r.URL.Path, rw.statusCode, latency.Round(100*time.Microsecond))
	})
}

// Recoverer catches panics in handlers and returns a 500 response
// instead of crashing the entire server.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[http] PANIC: %s %s → %v", r.Method, r.URL.Path, err)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS adds headers so browser-based clients (e.g. Swagger UI) can call the API.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Authentication ─────────────────────────────────────────

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFrom returns the authenticated principal, nil on anonymous
// requests.
func PrincipalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	return p
}

// bearerToken extracts the raw token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// Authenticate verifies the bearer access token and attaches the
// principal to the request context. Requests without a valid token get
// 401.
func Authenticate(mgr *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			principal, err := mgr.Verify(token, auth.TypeAccess)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects principals whose role is not in the allow list.
// ADMIN passes every guard.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r)
			if p == nil {
				writeJSONError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if p.Role != model.RoleAdmin {
				allowed := false
				for _, role := range roles {
					if p.Role == role {
						allowed = true
						break
					}
				}
				if !allowed {
					writeJSONError(w, http.StatusForbidden, "insufficient role")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ──────────────────────────────────────────

// rateLimitExempt paths are never counted.
var rateLimitExempt = map[string]struct{}{
	"/health":  {},
	"/healthz": {},
	"/readyz":  {},
}

// RateLimit enforces a fixed-window counter per (client, method, path).
// The client key is the bearer-hash prefix when authenticated, the
// remote IP otherwise. Over-cap requests get 429 with Retry-After.
func RateLimit(dispatch *repository.DispatchRepository, cfg config.LimitsConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, exempt := rateLimitExempt[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}

			key := clientKey(r) + ":" + r.Method + ":" + r.URL.Path
			n, retryAfter, err := dispatch.IncrRateLimit(r.Context(), key, cfg.RateLimitWindow)
			if err != nil {
				// Limiter outage never blocks traffic.
				log.Printf("[http] rate limiter unavailable: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if n > int64(cfg.RateLimitMax) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller: a short hash of the bearer token when
// present, the remote IP otherwise.
func clientKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return hashPrefix(token)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hashPrefix is the first 12 hex chars of the token's SHA-256. Short on
// purpose; the keyspace tolerates the collision odds.
func hashPrefix(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// ─── Idempotency ────────────────────────────────────────────

// recordingWriter buffers the response for idempotent replay.
type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Idempotency replays stored responses for POSTs carrying an
// Idempotency-Key header. The first request claims the key and stores
// its response; replays with the same key and body get that response
// back with Idempotency-Replayed set; reuse with a different body, or a
// replay while the first request is still running, gets 409.
func Idempotency(dispatch *repository.DispatchRepository, cfg config.LimitsConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scope := hashPrefix(bearerToken(r)) + ":" + r.Method + ":" + r.URL.Path
			requestHash := bodyHash(body)

			existing, claimed, err := dispatch.ClaimIdempotency(r.Context(), scope, key, requestHash, cfg.IdempotencyTTL)
			if err != nil {
				log.Printf("[http] idempotency store unavailable: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			if !claimed {
				if existing == nil || existing.Status != "done" {
					writeJSONError(w, http.StatusConflict, "request with this idempotency key is in flight")
					return
				}
				if existing.RequestHash != "" && existing.RequestHash != requestHash {
					writeJSONError(w, http.StatusConflict, "idempotency key reused with a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(existing.Code)
				w.Write(existing.Body)
				return
			}

			rw := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 500 {
				// Server-side failure: let the client retry the same key.
				if relErr := dispatch.ReleaseIdempotency(r.Context(), scope, key); relErr != nil {
					log.Printf("[http] idempotency release: %v", relErr)
				}
				return
			}
			if finErr := dispatch.FinishIdempotency(r.Context(), scope, key, requestHash, rw.statusCode, rw.body.Bytes()); finErr != nil {
				log.Printf("[http] idempotency finish: %v", finErr)
			}
		})
	}
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// writeJSONError is the middleware-local error envelope; handlers have
// their own.
func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
