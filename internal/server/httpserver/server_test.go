package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/logging"
	"github.com/dmitrijs2005/siteauth/internal/server/auth"
	"github.com/dmitrijs2005/siteauth/internal/server/roles"
)

func TestAdminRoute_RoleFloor(t *testing.T) {
	e := newTestEnv(t)

	res := e.do(t, http.MethodGet, "/api/admin/users", e.token(t, "viewer-1", roles.Viewer), nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.False(t, res.Success)
	assert.Equal(t, "forbidden", res.Error)

	res = e.do(t, http.MethodGet, "/api/admin/users", e.token(t, "editor-1", roles.Editor), nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = e.do(t, http.MethodGet, "/api/admin/users", e.token(t, "admin-1", roles.Admin), nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, res.Success)

	var data struct {
		Users []map[string]any `json:"users"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Len(t, data.Users, 3)
	for _, u := range data.Users {
		assert.NotContains(t, u, "passwordHash")
	}
}

func TestUploadRoutes_RoleFloors(t *testing.T) {
	e := newTestEnv(t)

	viewer := e.token(t, "viewer-1", roles.Viewer)
	editor := e.token(t, "editor-1", roles.Editor)

	res := e.do(t, http.MethodPost, "/api/upload/presign", viewer, map[string]string{"filename": "a.png"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = e.do(t, http.MethodPost, "/api/upload/presign", editor, map[string]string{"filename": "a.png"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, string(res.Data), "http://s3.local/put/a.png")

	res = e.do(t, http.MethodGet, "/api/upload/20260101-key", viewer, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, string(res.Data), "http://s3.local/get/20260101-key")

	res = e.do(t, http.MethodGet, "/api/upload/20260101-key", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestUploads_Disabled(t *testing.T) {
	e := newTestEnv(t)
	e.srv.uploads = nil

	res := e.do(t, http.MethodPost, "/api/upload/presign", e.token(t, "editor-1", roles.Editor), map[string]string{"filename": "a"})
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestAuthenticate_ExpiredTokenIsLogged(t *testing.T) {
	e := newTestEnv(t)

	past, err := auth.NewTokenService([]byte(testSecret), time.Hour,
		auth.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	require.NoError(t, err)
	expired, err := past.Issue(auth.Identity{ID: "viewer-1", Role: roles.Viewer})
	require.NoError(t, err)

	res := e.do(t, http.MethodGet, "/api/auth/profile", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "unauthenticated", res.Error)
	assert.Contains(t, e.logs.String(), `"reason":"expired"`)
}

func TestAuthenticate_Reasons(t *testing.T) {
	other, err := auth.NewTokenService([]byte("another-secret"), time.Hour)
	require.NoError(t, err)
	forged, err := other.Issue(auth.Identity{ID: "admin-1", Role: roles.Admin})
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"missing", "", "missing"},
		{"bad signature", forged, "invalid_signature"},
		{"garbage", "not.a.jwt", "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)

			res := e.do(t, http.MethodGet, "/api/auth/profile", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, res.Code)
			assert.Equal(t, "unauthenticated", res.Error)
			assert.Contains(t, e.logs.String(), fmt.Sprintf(`"reason":%q`, tt.reason))
		})
	}
}

func TestAuthenticate_Cookie(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: e.token(t, "viewer-1", roles.Viewer)})
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"viewer@example.com"`)
}

func TestAuthenticate_NonBearerScheme(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfile_IdentityInContext(t *testing.T) {
	e := newTestEnv(t)

	res := e.do(t, http.MethodGet, "/api/auth/profile", e.token(t, "editor-1", roles.Editor), nil)
	require.Equal(t, http.StatusOK, res.Code)

	var data struct {
		User struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, "editor-1", data.User.ID)
	assert.Equal(t, "editor", data.User.Role)
}

func TestLogin_UniformFailure(t *testing.T) {
	e := newTestEnv(t)

	wrongPassword := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "viewer@example.com", "password": "nope-nope",
	})
	unknownEmail := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ghost@example.com", "password": "password1",
	})

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, wrongPassword.Code, unknownEmail.Code)
	assert.Equal(t, wrongPassword.Raw, unknownEmail.Raw)
}

func TestLogin_SuccessSetsCookie(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.SecureCookie = true })

	res := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "password1",
	})
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, res.Success)
	assert.Equal(t, "login successful", res.Message)

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	id, err := e.tokens.Verify(data.Token)
	require.NoError(t, err)
	assert.Equal(t, roles.Admin, id.Role)

	cookie := res.Header.Get("Set-Cookie")
	assert.Contains(t, cookie, "sid="+data.Token)
	assert.Contains(t, cookie, "HttpOnly")
	assert.Contains(t, cookie, "Secure")
	assert.Contains(t, cookie, "SameSite=Lax")
}

func TestLogin_BadBody(t *testing.T) {
	e := newTestEnv(t)

	res := e.do(t, http.MethodPost, "/api/auth/login", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "a@b.c"})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestLogin_RateLimited(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.LoginRatePerMinute = 1; o.LoginBurst = 2 })

	body := map[string]string{"email": "viewer@example.com", "password": "wrong"}
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/auth/login", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/auth/login", "", body).Code)

	res := e.do(t, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.Equal(t, "60", res.Header.Get("Retry-After"))
}

func TestRegister(t *testing.T) {
	e := newTestEnv(t)

	res := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "newbie", "email": "new@example.com", "password": "password1",
	})
	require.Equal(t, http.StatusCreated, res.Code)
	assert.True(t, res.Success)

	res = e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "newbie2", "email": "new@example.com", "password": "password1",
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "validation failed", res.Error)
	assert.Contains(t, string(res.Data), `"fields"`)

	res = e.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{"unknown": 1})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestConnectionFailure_Returns503(t *testing.T) {
	e := newTestEnv(t)
	e.provider.err = fmt.Errorf("%w: dial tcp: refused", common.ErrConnection)

	res := e.do(t, http.MethodGet, "/api/auth/profile", e.token(t, "admin-1", roles.Admin), nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	assert.Equal(t, "service unavailable", res.Error)

	res = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "a@b.c", "password": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)

	// connection is checked before the token
	res = e.do(t, http.MethodGet, "/api/admin/users", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)

	res = e.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"connected":false}`, string(res.Data))
}

func TestLogout_RevokesToken(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "viewer-1", roles.Viewer)

	res := e.do(t, http.MethodPost, "/api/auth/logout", tok, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Header.Get("Set-Cookie"), "Max-Age=0")

	res = e.do(t, http.MethodGet, "/api/auth/profile", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, e.logs.String(), `"reason":"revoked"`)
}

func TestRefresh_IssuesNewToken(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "viewer-1", roles.Viewer)

	res := e.do(t, http.MethodPost, "/api/auth/refresh", tok, nil)
	require.Equal(t, http.StatusOK, res.Code)

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.NotEqual(t, tok, data.Token)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/auth/profile", tok, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/auth/profile", data.Token, nil).Code)
}

func TestAdminMutations(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, "admin-1", roles.Admin)

	res := e.do(t, http.MethodPatch, "/api/admin/users/viewer-1/role", admin, map[string]string{"role": "editor"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, string(res.Data), `"role":"editor"`)

	res = e.do(t, http.MethodPatch, "/api/admin/users/viewer-1/role", admin, map[string]string{"role": "root"})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = e.do(t, http.MethodPatch, "/api/admin/users/nobody/role", admin, map[string]string{"role": "viewer"})
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = e.do(t, http.MethodPatch, "/api/admin/users/viewer-1/status", admin, map[string]any{"isActive": false})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, string(res.Data), `"isActive":false`)

	res = e.do(t, http.MethodPatch, "/api/admin/users/viewer-1/status", admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = e.do(t, http.MethodGet, "/api/admin/users?limit=abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)

	res := e.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.False(t, res.Success)

	res = e.do(t, http.MethodDelete, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.Code)
}

func TestRecoverer(t *testing.T) {
	e := newTestEnv(t)

	h := e.srv.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"internal server error"}`, rec.Body.String())
	assert.Contains(t, e.logs.String(), "panic while serving request")
}

func TestWriteError_ExposeErrors(t *testing.T) {
	for _, expose := range []bool{false, true} {
		e := newTestEnv(t, func(o *Options) { o.ExposeErrors = expose })

		rec := httptest.NewRecorder()
		e.srv.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: relation missing"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, expose, strings.Contains(rec.Body.String(), "relation missing"))
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{common.ErrConnection, http.StatusServiceUnavailable},
		{common.ErrInvalidCredentials, http.StatusUnauthorized},
		{common.ErrTokenExpired, http.StatusUnauthorized},
		{common.ErrTokenRevoked, http.StatusUnauthorized},
		{common.ErrForbidden, http.StatusForbidden},
		{common.NewValidationError(map[string]string{"a": "b"}), http.StatusBadRequest},
		{common.ErrAlreadyExists, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", common.ErrorNotFound), http.StatusNotFound},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestValidateRoutes(t *testing.T) {
	h := func(http.ResponseWriter, *http.Request) {}

	assert.NoError(t, validateRoutes([]route{{method: "GET", pattern: "/a", minRole: roles.Admin, handler: h}}))
	assert.ErrorContains(t, validateRoutes([]route{{method: "GET", pattern: "/a", minRole: "root", handler: h}}), "unknown role")
	assert.ErrorContains(t, validateRoutes([]route{{method: "GET", pattern: "/a"}}), "no handler")
	assert.ErrorContains(t, validateRoutes([]route{
		{method: "GET", pattern: "/a", handler: h},
		{method: "GET", pattern: "/a", handler: h},
	}), "declared twice")

	e := newTestEnv(t)
	assert.NoError(t, validateRoutes(e.srv.routes()))
}

func TestNewHTTPServer_RequiresDeps(t *testing.T) {
	_, err := NewHTTPServer(Options{}, logging.Nop(), nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestServe_GracefulShutdown(t *testing.T) {
	e := newTestEnv(t)

	listen, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ctx, listen) }()

	resp, err := http.Get("http://" + listen.Addr().String() + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
