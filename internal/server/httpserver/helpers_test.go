package httpserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/logging"
	"github.com/dmitrijs2005/siteauth/internal/server/auth"
	"github.com/dmitrijs2005/siteauth/internal/server/models"
	"github.com/dmitrijs2005/siteauth/internal/server/revocation"
	"github.com/dmitrijs2005/siteauth/internal/server/roles"
	"github.com/dmitrijs2005/siteauth/internal/server/services"
)

const testSecret = "test-secret"

type fakeProvider struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProvider) EnsureConnected(context.Context) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return nil, nil
}

func (p *fakeProvider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err == nil && p.calls > 0
}

// fakeUsers answers from a fixed user table keyed by email.
type fakeUsers struct {
	tokens  *auth.TokenService
	revoked revocation.Store
	users   map[string]*models.User
	pass    map[string]string
}

func newFakeUsers(tokens *auth.TokenService, revoked revocation.Store) *fakeUsers {
	f := &fakeUsers{tokens: tokens, revoked: revoked, users: map[string]*models.User{}, pass: map[string]string{}}
	f.add("admin-1", "admin@example.com", "password1", roles.Admin)
	f.add("editor-1", "editor@example.com", "password1", roles.Editor)
	f.add("viewer-1", "viewer@example.com", "password1", roles.Viewer)
	return f
}

func (f *fakeUsers) add(id, email, password string, role roles.Role) {
	f.users[email] = &models.User{ID: id, Username: id, Email: email, Role: role, IsActive: true}
	f.pass[email] = password
}

func (f *fakeUsers) byID(id string) *models.User {
	for _, u := range f.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (f *fakeUsers) session(u *models.User) (*services.Session, error) {
	tok, exp, err := f.tokens.Mint(auth.Identity{ID: u.ID, Role: u.Role})
	if err != nil {
		return nil, err
	}
	return &services.Session{Token: tok, ExpiresAt: exp, User: u}, nil
}

func (f *fakeUsers) Login(_ context.Context, email, password string) (*services.Session, error) {
	u, ok := f.users[strings.ToLower(email)]
	if !ok || f.pass[u.Email] != password {
		return nil, common.ErrInvalidCredentials
	}
	return f.session(u)
}

func (f *fakeUsers) Register(_ context.Context, in services.RegisterInput) (*services.Session, error) {
	if !strings.Contains(in.Email, "@") {
		return nil, common.NewValidationError(map[string]string{"email": "must be a valid email address"})
	}
	if _, dup := f.users[in.Email]; dup {
		return nil, common.NewValidationError(map[string]string{"email": "already exists"})
	}
	f.add("new-"+in.Username, in.Email, in.Password, roles.Viewer)
	return f.session(f.users[in.Email])
}

func (f *fakeUsers) Profile(_ context.Context, id string) (*models.User, error) {
	if u := f.byID(id); u != nil {
		return u, nil
	}
	return nil, common.ErrInvalidCredentials
}

func (f *fakeUsers) Refresh(ctx context.Context, c *auth.Claims) (*services.Session, error) {
	u := f.byID(c.Subject)
	if u == nil {
		return nil, common.ErrInvalidCredentials
	}
	if err := f.Logout(ctx, c); err != nil {
		return nil, err
	}
	return f.session(u)
}

func (f *fakeUsers) Logout(ctx context.Context, c *auth.Claims) error {
	return f.revoked.Revoke(ctx, c.ID, c.ExpiresAt.Time)
}

func (f *fakeUsers) ListUsers(context.Context, int, int) ([]*models.User, error) {
	out := make([]*models.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeUsers) ChangeRole(_ context.Context, actorID, id, role string) (*models.User, error) {
	r, err := roles.Parse(role)
	if err != nil {
		return nil, common.NewValidationError(map[string]string{"role": "unknown"})
	}
	u := f.byID(id)
	if u == nil {
		return nil, common.ErrorNotFound
	}
	u.Role = r
	return u, nil
}

func (f *fakeUsers) SetActive(_ context.Context, actorID, id string, active bool) (*models.User, error) {
	u := f.byID(id)
	if u == nil {
		return nil, common.ErrorNotFound
	}
	u.IsActive = active
	return u, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignPut(_ context.Context, filename string) (string, string, error) {
	return "20260101-key", "http://s3.local/put/" + filename, nil
}

func (fakePresigner) PresignGet(_ context.Context, key string) (string, error) {
	return "http://s3.local/get/" + key, nil
}

// syncBuffer lets the server goroutines and the test share a log buffer.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type testEnv struct {
	srv      *HTTPServer
	handler  http.Handler
	provider *fakeProvider
	tokens   *auth.TokenService
	revoked  *revocation.MemoryStore
	users    *fakeUsers
	logs     *syncBuffer
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenService([]byte(testSecret), time.Hour)
	require.NoError(t, err)

	revoked := revocation.NewMemoryStore()
	users := newFakeUsers(tokens, revoked)
	provider := &fakeProvider{}
	logs := &syncBuffer{}

	opts := Options{CookieName: "sid", LoginRatePerMinute: 600, LoginBurst: 100}
	for _, m := range mutate {
		m(&opts)
	}

	srv, err := NewHTTPServer(opts, logging.NewJSONLogger(logs, "debug"), provider, users, tokens, revoked, fakePresigner{})
	require.NoError(t, err)

	return &testEnv{srv: srv, handler: srv.Handler(), provider: provider, tokens: tokens, revoked: revoked, users: users, logs: logs}
}

func (e *testEnv) token(t *testing.T, id string, role roles.Role) string {
	t.Helper()
	tok, err := e.tokens.Issue(auth.Identity{ID: id, Role: role})
	require.NoError(t, err)
	return tok
}

type response struct {
	Code    int
	Header  http.Header
	Raw     string
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(raw)
		}
	}

	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	res := response{Code: rec.Code, Header: rec.Header(), Raw: rec.Body.String()}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), "body: %s", rec.Body.String())
	return res
}
