package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/server/uploads"
)

// envelope is the shape of every response body.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}

// statusFor maps an error onto an HTTP status and a message that is safe to
// send to the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrConnection), errors.Is(err, uploads.ErrDisabled):
		return http.StatusServiceUnavailable, "service unavailable"
	case errors.Is(err, common.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, common.ErrTokenMissing),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrTokenInvalidSignature),
		errors.Is(err, common.ErrTokenMalformed),
		errors.Is(err, common.ErrTokenRevoked):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, common.ErrValidation), errors.Is(err, uploads.ErrInvalidKey):
		return http.StatusBadRequest, "validation failed"
	case errors.Is(err, common.ErrAlreadyExists):
		return http.StatusBadRequest, "already exists"
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeError answers with the status for err. Validation errors carry their
// field messages in data; unexpected errors are logged and only described to
// the client in development.
func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)

	body := envelope{Success: false, Error: msg}

	var verr *common.ValidationError
	if errors.As(err, &verr) && len(verr.Fields) > 0 {
		body.Data = map[string]any{"fields": verr.Fields}
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		if s.opts.ExposeErrors {
			body.Message = err.Error()
		}
	}

	writeJSON(w, status, body)
}
