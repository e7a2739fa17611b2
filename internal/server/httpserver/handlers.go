package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/server/models"
	"github.com/dmitrijs2005/siteauth/internal/server/services"
	"github.com/dmitrijs2005/siteauth/internal/server/uploads"
)

const maxBodyBytes = 1 << 20

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	User      *models.PublicUser `json:"user,omitempty"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type setStatusRequest struct {
	IsActive *bool `json:"isActive"`
}

type presignRequest struct {
	Filename string `json:"filename"`
}

// decodeJSON reads a single JSON object from the body. Failures are
// validation errors.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return common.NewValidationError(map[string]string{"body": "invalid JSON: " + err.Error()})
	}
	return nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := false
	if cs, ok := s.db.(connectionStatus); ok {
		connected = cs.Connected()
	}
	writeJSONSuccess(w, http.StatusOK, "", map[string]any{"connected": connected})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		s.writeError(w, r, common.NewValidationError(map[string]string{"email": "email and password are required"}))
		return
	}

	session, err := s.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, common.ErrInvalidCredentials) {
			s.logger.Info(r.Context(), "login failed", "ip", clientIP(r))
		}
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookie(w, session)
	writeJSONSuccess(w, http.StatusOK, "login successful", newSessionResponse(session))
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.users.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookie(w, session)
	writeJSONSuccess(w, http.StatusCreated, "registration successful", newSessionResponse(session))
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	user, err := s.users.Profile(r.Context(), id.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSONSuccess(w, http.StatusOK, "", map[string]any{"user": user.Public()})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	session, err := s.users.Refresh(r.Context(), claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookie(w, session)
	writeJSONSuccess(w, http.StatusOK, "token refreshed", newSessionResponse(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	if err := s.users.Logout(r.Context(), claims); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.clearSessionCookie(w)
	writeJSONSuccess(w, http.StatusOK, "logged out", nil)
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	users, err := s.users.ListUsers(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]models.PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	writeJSONSuccess(w, http.StatusOK, "", map[string]any{"users": out})
}

func (s *HTTPServer) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := IdentityFrom(r.Context())

	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.users.ChangeRole(r.Context(), actor.ID, chi.URLParam(r, "id"), req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSONSuccess(w, http.StatusOK, "role updated", map[string]any{"user": user.Public()})
}

func (s *HTTPServer) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := IdentityFrom(r.Context())

	var req setStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IsActive == nil {
		s.writeError(w, r, common.NewValidationError(map[string]string{"isActive": "is required"}))
		return
	}

	user, err := s.users.SetActive(r.Context(), actor.ID, chi.URLParam(r, "id"), *req.IsActive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSONSuccess(w, http.StatusOK, "status updated", map[string]any{"user": user.Public()})
}

func (s *HTTPServer) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		s.writeError(w, r, uploads.ErrDisabled)
		return
	}

	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key, url, err := s.uploads.PresignPut(r.Context(), req.Filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id, _ := IdentityFrom(r.Context())
	s.logger.Info(r.Context(), "upload presigned", "key", key, "user_id", id.ID)
	writeJSONSuccess(w, http.StatusOK, "", map[string]any{"key": key, "url": url})
}

func (s *HTTPServer) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		s.writeError(w, r, uploads.ErrDisabled)
		return
	}

	url, err := s.uploads.PresignGet(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSONSuccess(w, http.StatusOK, "", map[string]any{"url": url})
}

func newSessionResponse(s *services.Session) sessionResponse {
	resp := sessionResponse{Token: s.Token, ExpiresAt: s.ExpiresAt}
	if s.User != nil {
		pu := s.User.Public()
		resp.User = &pu
	}
	return resp
}

func (s *HTTPServer) setSessionCookie(w http.ResponseWriter, session *services.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, common.NewValidationError(map[string]string{name: fmt.Sprintf("must be a non-negative integer, got %q", v)})
	}
	return n, nil
}
