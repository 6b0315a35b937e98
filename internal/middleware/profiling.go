package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig configures the pprof endpoints.
type ProfilingConfig struct {
	// Enabled exposes /debug/pprof/*. It is refused in production.
	Enabled     bool
	Environment string
}

// Profiling serves pprof under /debug/pprof when enabled outside production.
// Useful when chasing worker queue contention under load tests.
func Profiling(config ProfilingConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}
		if config.Environment == "production" || config.Environment == "prod" {
			logger.Error("refusing to enable profiling in production", "environment", config.Environment)
			return next
		}
		logger.Warn("profiling endpoints enabled", "environment", config.Environment, "endpoints", "/debug/pprof/*")

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}
			switch r.URL.Path {
			case "/debug/pprof/cmdline":
				pprof.Cmdline(w, r)
			case "/debug/pprof/profile":
				pprof.Profile(w, r)
			case "/debug/pprof/symbol":
				pprof.Symbol(w, r)
			case "/debug/pprof/trace":
				pprof.Trace(w, r)
			default:
				pprof.Index(w, r)
			}
		})
	}
}
