package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are served at a fixed path and need no normalization.
var staticRoutes = map[string]bool{
	"/":                     true,
	"/v1/activities/recent": true,
	"/v1/trends":            true,
	"/v1/buckets":           true,
	"/v1/tools/breakdown":   true,
	"/v1/insights":          true,
	"/v1/sessions":          true,
	"/v1/hooks":             true,
	"/v1/ws":                true,
	"/health":               true,
	"/ready":                true,
	"/metrics":              true,
}

// UnmatchedRoute labels requests for paths no route serves.
const UnmatchedRoute = "unmatched"

// NormalizePath maps a request path to its route pattern so that hook names
// never become metric label values. /v1/hooks/session-start becomes
// /v1/hooks/{hook}; unknown paths collapse into UnmatchedRoute.
func NormalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/v1/hooks/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/v1/hooks/{hook}"
	}
	return UnmatchedRoute
}

func isProbePath(path string) bool {
	return path == "/health" || path == "/ready"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !mrw.wroteHeader {
		mrw.WriteHeader(http.StatusOK)
	}
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter { return mrw.ResponseWriter }

func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, buf, err := http.NewResponseController(mrw.ResponseWriter).Hijack()
	if err == nil {
		mrw.statusCode = http.StatusSwitchingProtocols
		mrw.wroteHeader = true
	}
	return conn, buf, err
}

// HTTPMetrics records request duration, sizes and counts per normalized route.
// Probe endpoints (/health, /ready) are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbePath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestSize := int64(0)
			if cl := r.Header.Get("Content-Length"); cl != "" {
				if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				NormalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
