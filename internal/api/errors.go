// Package api provides the HTTP surface of the pipeline: hook ingestion,
// dashboard queries, the live feed and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/hook"
	"github.com/onnwee/hookpulse/internal/ingest"
	"github.com/onnwee/hookpulse/internal/middleware"
	"github.com/onnwee/hookpulse/internal/query"
	"github.com/onnwee/hookpulse/internal/store"
)

// Error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeUnknownHook indicates the hook name is not configured.
	ErrCodeUnknownHook = "unknown_hook"

	// ErrCodeHookDisabled indicates the hook exists but is disabled.
	ErrCodeHookDisabled = "hook_disabled"

	// ErrCodeHookTimeout indicates the hook deadline passed before the event
	// was processed. Processing continues in the background.
	ErrCodeHookTimeout = "hook_timeout"

	// ErrCodeStorageUnavailable indicates the store rejected a write after retries.
	ErrCodeStorageUnavailable = "storage_unavailable"

	// ErrCodeUnavailable indicates the pipeline is shutting down.
	ErrCodeUnavailable = "unavailable"

	// ErrCodeMethodNotAllowed indicates the route does not accept the method.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodePayloadTooLarge indicates the body exceeded the size limit.
	ErrCodePayloadTooLarge = "payload_too_large"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse is the standard error body:
// {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON error envelope and records code for the access log.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeUnknownHook, ErrCodeHookDisabled:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeHookTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeStorageUnavailable, ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// classify maps a domain error to an error code. Unknown errors are internal.
func classify(err error) string {
	switch {
	case errors.Is(err, event.ErrValidation), errors.Is(err, query.ErrInvalidRequest):
		return ErrCodeValidation
	case errors.Is(err, hook.ErrUnknownHook):
		return ErrCodeUnknownHook
	case errors.Is(err, hook.ErrHookDisabled):
		return ErrCodeHookDisabled
	case errors.Is(err, ingest.ErrHookTimeout):
		return ErrCodeHookTimeout
	case errors.Is(err, store.ErrStorageWrite):
		return ErrCodeStorageUnavailable
	case errors.Is(err, ingest.ErrClosed):
		return ErrCodeUnavailable
	case errors.Is(err, store.ErrNotFound):
		return ErrCodeNotFound
	}
	return ErrCodeInternal
}

// WriteDomainError maps err to a status and code and writes the envelope.
// Internal errors are logged and their details withheld from the client.
func WriteDomainError(w http.ResponseWriter, ctx context.Context, err error) {
	code := classify(err)
	status := StatusCodeMapping(code)
	msg := err.Error()
	if code == ErrCodeInternal {
		slog.ErrorContext(ctx, "request failed", "error", err)
		msg = "Internal server error"
	}
	WriteError(w, ctx, status, code, msg)
}

// methodNotAllowed writes 405 with an Allow header.
func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
}
