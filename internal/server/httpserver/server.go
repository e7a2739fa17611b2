// Package httpserver exposes the auth core over a JSON HTTP API. Every
// protected route runs Connect, Authenticate and RequireRole, in that order,
// before its handler.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/siteauth/internal/logging"
	"github.com/dmitrijs2005/siteauth/internal/server/auth"
	"github.com/dmitrijs2005/siteauth/internal/server/db"
	"github.com/dmitrijs2005/siteauth/internal/server/models"
	"github.com/dmitrijs2005/siteauth/internal/server/revocation"
	"github.com/dmitrijs2005/siteauth/internal/server/services"
)

// UserService is the slice of services.UserService the handlers use.
type UserService interface {
	Login(ctx context.Context, email, password string) (*services.Session, error)
	Register(ctx context.Context, in services.RegisterInput) (*services.Session, error)
	Profile(ctx context.Context, id string) (*models.User, error)
	Refresh(ctx context.Context, claims *auth.Claims) (*services.Session, error)
	Logout(ctx context.Context, claims *auth.Claims) error
	ListUsers(ctx context.Context, limit, offset int) ([]*models.User, error)
	ChangeRole(ctx context.Context, actorID, id, role string) (*models.User, error)
	SetActive(ctx context.Context, actorID, id string, active bool) (*models.User, error)
}

// Presigner issues object storage URLs. May be nil when uploads are off.
type Presigner interface {
	PresignPut(ctx context.Context, filename string) (key, url string, err error)
	PresignGet(ctx context.Context, key string) (string, error)
}

// connectionStatus is implemented by db.Manager.
type connectionStatus interface {
	Connected() bool
}

type Options struct {
	Address string

	CookieName   string
	SecureCookie bool
	// ExposeErrors puts internal error text into 500 responses.
	ExposeErrors bool

	LoginRatePerMinute int
	LoginBurst         int

	ShutdownTimeout time.Duration
}

type HTTPServer struct {
	opts    Options
	logger  logging.Logger
	db      db.Provider
	users   UserService
	tokens  *auth.TokenService
	revoked revocation.Store
	uploads Presigner
	limiter *ipLimiter
	router  chi.Router
}

func NewHTTPServer(opts Options, l logging.Logger, p db.Provider, us UserService, ts *auth.TokenService,
	rs revocation.Store, up Presigner) (*HTTPServer, error) {

	if p == nil || us == nil || ts == nil {
		return nil, errors.New("httpserver: provider, user service and token service are required")
	}
	if opts.CookieName == "" {
		opts.CookieName = "session_token"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &HTTPServer{
		opts:    opts,
		logger:  l.With("module", "http_server"),
		db:      p,
		users:   us,
		tokens:  ts,
		revoked: rs,
		uploads: up,
		limiter: newIPLimiter(opts.LoginRatePerMinute, opts.LoginBurst),
	}

	router, err := s.buildRouter(s.routes())
	if err != nil {
		return nil, err
	}
	s.router = router

	return s, nil
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) buildRouter(table []route) (chi.Router, error) {
	if err := validateRoutes(table); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	for _, rt := range table {
		r.Method(rt.method, rt.pattern, s.chain(rt))
	}
	return r, nil
}

// chain wraps a route handler, outermost first: rate limit, Connect,
// Authenticate, RequireRole.
func (s *HTTPServer) chain(rt route) http.Handler {
	h := http.Handler(rt.handler)
	if rt.minRole != "" {
		h = s.RequireRole(rt.minRole)(h)
		h = s.Authenticate(h)
	}
	if rt.needsDB {
		h = s.Connect(h)
	}
	if rt.rateLimited {
		h = s.rateLimit(h)
	}
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Address, err)
	}
	return s.Serve(ctx, listen)
}

func (s *HTTPServer) Serve(ctx context.Context, listen net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "HTTP server shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
