package httpserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/server/roles"
)

// Connect makes sure the shared database connection is up before the
// request goes further; otherwise it answers 503.
func (s *HTTPServer) Connect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.db.EnsureConnected(r.Context()); err != nil {
			s.logger.Warn(r.Context(), "database unavailable", "path", r.URL.Path, "error", err)
			writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate verifies the bearer token (or session cookie) and attaches
// the claims to the request context. Every failure is a 401 with the same
// body; the specific reason only goes to the log.
func (s *HTTPServer) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := s.tokenFromRequest(r)
		if token == "" {
			s.logger.Warn(ctx, "authentication failed", "reason", common.TokenErrorReason(common.ErrTokenMissing), "path", r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		claims, err := s.tokens.VerifyClaims(token)
		if err != nil {
			s.logger.Warn(ctx, "authentication failed", "reason", common.TokenErrorReason(err), "path", r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		if s.revoked != nil {
			revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
			if err != nil {
				s.logger.Error(ctx, "revocation lookup failed", "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			if revoked {
				s.logger.Warn(ctx, "authentication failed", "reason", common.TokenErrorReason(common.ErrTokenRevoked),
					"path", r.URL.Path, "user_id", claims.Subject)
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(withClaims(ctx, claims)))
	})
}

// RequireRole lets the request through only if the authenticated role
// satisfies min. It must run after Authenticate.
func (s *HTTPServer) RequireRole(min roles.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}

			if !roles.Satisfies(id.Role, min) {
				s.logger.Warn(r.Context(), "access denied",
					"status", http.StatusForbidden,
					"method", r.Method,
					"path", r.URL.Path,
					"user_id", id.ID,
					"user_role", id.Role,
					"required_role", min,
				)
				writeJSONError(w, http.StatusForbidden, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(common.AuthorizationHeaderName); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, common.BearerScheme) {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(s.opts.CookieName); err == nil {
		return c.Value
	}
	return ""
}

// recoverer turns a panic into a 500 envelope.
func (s *HTTPServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error(r.Context(), "panic while serving request", "path", r.URL.Path, "panic", p)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// maxLimiters bounds the per-IP limiter map; it is reset when exceeded.
const maxLimiters = 10000

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(perMinute) / 60),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// rateLimit answers 429 once the client IP has used up its login budget.
func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn(r.Context(), "login rate limit exceeded", "ip", ip)
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr (middleware.RealIP may already
// have replaced it with a bare address).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
