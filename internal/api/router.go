package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/hookpulse/internal/auth"
	"github.com/onnwee/hookpulse/internal/middleware"
)

// ServiceName identifies the server in traces and on the root endpoint.
const ServiceName = "hookpulse"

// RouterConfig wires handlers and middleware into one http.Handler.
type RouterConfig struct {
	Hooks   *HookHandlers
	Queries *QueryHandlers
	Feed    *FeedHandlers
	Health  *HealthHandlers
	// Metrics serves /metrics. nil leaves the route unregistered.
	Metrics http.Handler

	// Authorizer guards the hook and read routes. nil disables authentication.
	Authorizer middleware.TokenAuthorizer
	// RateLimits is shared by all limited routes. nil disables rate limiting.
	RateLimits     middleware.RateLimitStore
	HookLimit      middleware.RateLimitConfig
	QueryLimit     middleware.RateLimitConfig
	HTTPMetrics    *middleware.Metrics
	CORS           middleware.CORSConfig
	Profiling      middleware.ProfilingConfig
	TracingEnabled bool
	Logger         *slog.Logger
}

type chain []func(http.Handler) http.Handler

func (c chain) then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}

// NewRouter builds the server handler. Routes are registered without a
// method so handlers can answer a wrong method with the JSON envelope.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	guard := func(scope auth.Scope, limit middleware.RateLimitConfig) chain {
		c := chain{middleware.RequireScope(cfg.Authorizer, scope, cfg.HTTPMetrics)}
		if cfg.RateLimits != nil {
			c = append(c, middleware.RateLimiter(cfg.RateLimits, limit, middleware.PrincipalKeyFunc(), cfg.HTTPMetrics))
		}
		return c
	}
	ingest := guard(auth.ScopeIngest, cfg.HookLimit)
	read := guard(auth.ScopeRead, cfg.QueryLimit)

	mux := http.NewServeMux()
	if cfg.Hooks != nil {
		mux.Handle("/v1/hooks/{hook}", ingest.then(http.HandlerFunc(cfg.Hooks.Deliver)))
		mux.Handle("/v1/hooks", read.then(http.HandlerFunc(cfg.Hooks.List)))
	}
	if q := cfg.Queries; q != nil {
		mux.Handle("/v1/activities/recent", read.then(http.HandlerFunc(q.Recent)))
		mux.Handle("/v1/trends", read.then(http.HandlerFunc(q.Trends)))
		mux.Handle("/v1/buckets", read.then(http.HandlerFunc(q.Buckets)))
		mux.Handle("/v1/tools/breakdown", read.then(http.HandlerFunc(q.ToolBreakdown)))
		mux.Handle("/v1/insights", read.then(http.HandlerFunc(q.Insights)))
		mux.Handle("/v1/sessions", read.then(http.HandlerFunc(q.Sessions)))
	}
	if cfg.Feed != nil {
		mux.Handle("/v1/ws", read.then(http.HandlerFunc(cfg.Feed.Stream)))
	}
	if cfg.Health != nil {
		mux.HandleFunc("/health", cfg.Health.Health)
		mux.HandleFunc("/ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}
	mux.HandleFunc("/", root)

	outer := chain{middleware.RequestID}
	if cfg.TracingEnabled {
		outer = append(outer, middleware.Tracing(ServiceName))
	}
	outer = append(outer, middleware.Logging(cfg.Logger))
	if cfg.HTTPMetrics != nil {
		outer = append(outer, middleware.HTTPMetrics(cfg.HTTPMetrics))
	}
	outer = append(outer,
		middleware.CORS(cfg.CORS),
		middleware.Profiling(cfg.Profiling, cfg.Logger),
	)
	return outer.then(mux)
}

// root answers the exact root path with the service name and every other
// unrouted path with a 404 envelope.
func root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, map[string]string{"service": ServiceName})
}
