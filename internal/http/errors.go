package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/models"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{models.ErrNoDriversAvailable, http.StatusServiceUnavailable, "NO_DRIVERS_AVAILABLE"},
	{models.ErrAssignmentExhausted, http.StatusServiceUnavailable, "ASSIGNMENT_EXHAUSTED"},
	{models.ErrOfferExpired, http.StatusGone, "OFFER_EXPIRED"},
	{models.ErrRequestExpired, http.StatusGone, "REQUEST_EXPIRED"},
	{models.ErrAlreadyBusy, http.StatusConflict, "ALREADY_BUSY"},
	{models.ErrConflict, http.StatusConflict, "CONFLICT"},
	{models.ErrRequestCancelled, http.StatusConflict, "REQUEST_CANCELLED"},
	{models.ErrInvalidTransition, http.StatusUnprocessableEntity, "INVALID_TRANSITION"},
	{models.ErrProofRequired, http.StatusUnprocessableEntity, "PROOF_REQUIRED"},
	{models.ErrRateLimitExceeded, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
	{errBadRequest, http.StatusBadRequest, "BAD_REQUEST"},
	{lifecycle.ErrStopped, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
}

// statusFor maps a domain error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
