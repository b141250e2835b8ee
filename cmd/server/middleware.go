package main

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/modelgate/internal/auth"
	"github.com/blueberrycongee/modelgate/internal/events"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware assigns a request ID when the caller sent none
// and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get(requestIDHeader))
	})
}

// authMiddleware verifies bearer tokens and stores the principal in the
// request context. Health and metrics endpoints stay open. Repeated
// failures freeze the source through the auth-failure limiter.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	authn := s.gateway.Authenticator()
	failures := s.gateway.AuthFailures()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authn == nil || skipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		source := clientIP(r)
		if failures.Blocked("", source) {
			writeError(w, gwerr.RateLimited("", 0))
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		principal, err := authn.Authenticate(r.Context(), token)
		if err != nil {
			failures.RecordFailure("", source)
			if failures.Blocked("", source) {
				s.gateway.Emitter().Emit(events.New(events.TypeSecurityAuth, r.Header.Get(requestIDHeader), map[string]any{
					"source": source,
				}))
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// adminOnly gates a handler on the admin role. Without an authenticator
// the gateway is in open mode and admin endpoints stay reachable.
func (s *server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.gateway.Authenticator() != nil {
			p := auth.PrincipalFrom(r.Context())
			if p == nil || !p.HasRole(auth.RoleAdmin) {
				writeError(w, gwerr.Unauthorized("admin role required"))
				return
			}
		}
		next(w, r)
	}
}

func skipAuth(path string) bool {
	return strings.HasPrefix(path, "/health/") || path == "/metrics"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
