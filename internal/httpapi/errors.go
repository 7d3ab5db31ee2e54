package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"nnbackend/internal/backend"
	"nnbackend/internal/nnerr"
	"nnbackend/internal/slots"
	"nnbackend/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps a backend error to an HTTP status.
func statusFor(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	switch {
	case errors.Is(err, slots.ErrRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, backend.ErrBusy):
		return http.StatusConflict
	}
	switch nnerr.CodeOf(err) {
	case nnerr.InvalidArgument, nnerr.InvalidEncoding:
		return http.StatusBadRequest
	case nnerr.NotFound:
		return http.StatusNotFound
	case nnerr.TooLarge:
		return http.StatusRequestEntityTooLarge
	case nnerr.Timeout:
		return http.StatusGatewayTimeout
	case nnerr.UnsupportedOperation:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status. Slot rejections carry
// Retry-After and count as backpressure.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
		IncrementBackpressure("slots")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: err.Error(), Code: status, Status: nnerr.CodeOf(err).String()})
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
