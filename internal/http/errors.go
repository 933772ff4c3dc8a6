package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/example/trip-dispatch/internal/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{models.ErrValidation, http.StatusBadRequest, "validation_error"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden"},
	{models.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
	{models.ErrNotVerified, http.StatusForbidden, "not_verified"},
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{models.ErrTerminalState, http.StatusConflict, "terminal_state"},
	{models.ErrActiveTripConflict, http.StatusConflict, "active_trip_conflict"},
	{models.ErrConflict, http.StatusConflict, "conflict"},
	{models.ErrInvalidOtp, http.StatusUnprocessableEntity, "invalid_otp"},
	{models.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
}

// statusFor maps a domain error to its HTTP status and wire code.
func statusFor(err error) (int, string) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, "validation_error"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
