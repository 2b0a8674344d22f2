// ABOUTME: Maps the service error taxonomy onto HTTP status codes and a JSON envelope
// ABOUTME: Every handler error response goes through writeError

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/airrange-io/spreadapi-gateway/internal/engine"
	"github.com/airrange-io/spreadapi-gateway/internal/printjob"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorStatus returns the HTTP status and machine code for err.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, printjob.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, printjob.ErrDeleted):
		return http.StatusGone, "deleted"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrEngine):
		return http.StatusUnprocessableEntity, "calculation_error"
	case errors.Is(err, service.ErrUpstream):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// errorDetails extracts structured detail worth returning to the client.
func errorDetails(err error) any {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		return verr.Violations
	}
	var eerr *engine.Error
	if errors.As(err, &eerr) {
		return eerr
	}
	return nil
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)

	msg := err.Error()
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID(r.Context()),
			"error", err,
		)
		// Infrastructure detail stays in the log
		msg = http.StatusText(status)
	}

	writeJSON(w, status, ErrorResponse{Error: code, Message: msg, Details: errorDetails(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("writing response failed", "error", err)
	}
}
