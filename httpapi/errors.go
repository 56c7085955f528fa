package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/session"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// classify maps an error to a status, a stable code and a message safe to
// show to clients.
func classify(err error) (int, errorBody) {
	var verr *borrow.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Code: "invalid", Message: verr.Error(), Field: verr.Field}
	case borrow.IsForbidden(err):
		return http.StatusForbidden, errorBody{Code: "forbidden", Message: err.Error()}
	case borrow.IsAuthentication(err):
		return http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: err.Error()}
	case borrow.IsNotFound(err):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()}
	case borrow.IsConflict(err):
		return http.StatusConflict, errorBody{Code: "conflict", Message: err.Error()}
	case borrow.IsInvalidState(err):
		return http.StatusConflict, errorBody{Code: "invalid_state", Message: err.Error()}
	case borrow.IsStore(err):
		return http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: err.Error()}

	case errors.Is(err, session.ErrInvalidSignUp):
		return http.StatusBadRequest, errorBody{Code: "invalid", Message: err.Error()}
	case errors.Is(err, session.ErrEmailTaken):
		return http.StatusConflict, errorBody{Code: "email_taken", Message: session.ErrEmailTaken.Error()}
	case errors.Is(err, session.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorBody{Code: "invalid_credentials", Message: session.ErrInvalidCredentials.Error()}
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: session.ErrInvalidToken.Error()}
	}
	return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal error"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		orm.LogErrorWithContext(s.logger, err,
			orm.String("method", r.Method),
			orm.String("path", r.URL.Path),
			orm.Int("status", status))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads one JSON object, rejecting unknown fields. Failures are
// validation errors.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return borrow.Invalid("body", "request body is empty")
		}
		return borrow.Invalid("body", "%s", err.Error())
	}
	return nil
}
