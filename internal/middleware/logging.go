// Package middleware provides HTTP middleware components for the pipeline server.
package middleware

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// principalKey is the context key for the authenticated caller.
type principalKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// requestStateKey is the context key for per-request state shared with Logging.
type requestStateKey struct{}

// requestState is allocated by Logging so handlers deeper in the chain can
// report values back to it through their own derived contexts.
type requestState struct {
	errorCode string
	principal string
}

// SetPrincipal stores the authenticated caller in the context.
// This should be called by authentication middleware after validating the token.
func SetPrincipal(ctx context.Context, subject string) context.Context {
	if st, ok := ctx.Value(requestStateKey{}).(*requestState); ok {
		st.principal = subject
	}
	return context.WithValue(ctx, principalKey{}, subject)
}

// GetPrincipal retrieves the authenticated caller. Returns empty string if not present.
func GetPrincipal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok {
		return p
	}
	return ""
}

// SetErrorCode stores an error code in the context.
// This should be called by handlers when returning error responses.
func SetErrorCode(ctx context.Context, code string) context.Context {
	if st, ok := ctx.Value(requestStateKey{}).(*requestState); ok {
		st.errorCode = code
	}
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	if st, ok := ctx.Value(requestStateKey{}).(*requestState); ok {
		return st.errorCode
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

// WriteHeader captures the first status code written.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack lets the live feed upgrade to a WebSocket through this wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, buf, err := http.NewResponseController(rw.ResponseWriter).Hijack()
	if err == nil {
		rw.statusCode = http.StatusSwitchingProtocols
		rw.wroteHeader = true
	}
	return conn, buf, err
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production (env == "production"), it returns a JSON handler.
// Otherwise, it returns a text handler for development.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging is a middleware that logs HTTP requests with structured fields:
// method, route, status, latency (ms), size, request ID, principal and
// error_code for error responses.
//
// Note: If a handler panics, the log entry will not be written. Place a
// recovery middleware outside of the logging middleware.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			st := &requestState{}
			r = r.WithContext(context.WithValue(r.Context(), requestStateKey{}, st))

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", NormalizePath(r.URL.Path)),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if st.principal != "" {
				attrs = append(attrs, slog.String("principal", st.principal))
			}
			if rw.statusCode >= 400 && st.errorCode != "" {
				attrs = append(attrs, slog.String("error_code", st.errorCode))
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}
