package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a fixed window limit.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	RequestsPerWindow int
	// WindowDuration is the length of one window.
	WindowDuration time.Duration
}

// Validate checks that both fields are positive.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultHookLimit bounds hook deliveries per caller. A busy agent session
// fires a few tool hooks per second, so the ceiling is generous.
func DefaultHookLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 600, WindowDuration: time.Minute}
}

// DefaultQueryLimit bounds dashboard reads per caller.
func DefaultQueryLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 120, WindowDuration: time.Minute}
}

// RateLimitStore keeps rate limit state. Allow reports whether the request
// identified by key is allowed and, when it is not, the seconds until reset.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

type window struct {
	count int
	end   time.Time
}

// InMemoryRateLimitStore is a fixed window counter for a single instance.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.end) {
		s.windows[key] = &window{count: 1, end: now.Add(config.WindowDuration)}
		return true, 0
	}
	if w.count < config.RequestsPerWindow {
		w.count++
		return true, 0
	}
	return false, retryAfterSeconds(w.end.Sub(now))
}

// Cleanup removes expired windows. Run it periodically at a multiple of the
// longest configured window.
func (s *InMemoryRateLimitStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.end) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// RedisRateLimitStore shares fixed windows across instances. Redis errors
// fail open: the request is allowed and the error is counted.
type RedisRateLimitStore struct {
	client  *redis.Client
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a store using client. metrics may be nil.
func NewRedisRateLimitStore(client *redis.Client, metrics *Metrics, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{client: client, prefix: "hookpulse:ratelimit:", metrics: metrics, logger: logger}
}

// Allow implements RateLimitStore with INCR and a window expiry set on the
// first hit.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	k := s.prefix + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.ExpireNX(ctx, k, config.WindowDuration)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncRateLimitRedisErrors()
		}
		s.logger.WarnContext(ctx, "rate limit check failed, allowing request", "error", err)
		return true, 0
	}
	if incr.Val() <= int64(config.RequestsPerWindow) {
		return true, 0
	}
	return false, retryAfterSeconds(ttl.Val())
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// KeyFunc extracts a rate limit key from a request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys requests by client address, preferring proxy headers.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// PrincipalKeyFunc keys requests by authenticated caller, falling back to
// the client address.
func PrincipalKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if p := GetPrincipal(r.Context()); p != "" {
			return "principal:" + p
		}
		return "ip:" + ipFunc(r)
	}
}

func keyType(key string) string {
	if strings.HasPrefix(key, "principal:") {
		return "principal"
	}
	return "ip"
}

// RateLimiter rejects requests over the limit with 429 and the standard
// error envelope. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			route := NormalizePath(r.URL.Path)
			if metrics != nil {
				metrics.IncRateLimitRequests(route, keyType(key))
			}
			allowed, retryAfter := store.Allow(r.Context(), route+"|"+key, config)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}
			if metrics != nil {
				metrics.IncRateLimitBlocked(route, keyType(key))
			}
			SetErrorCode(r.Context(), "rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			reset := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			writeEnvelope(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
		})
	}
}

// writeEnvelope writes the API error envelope for errors raised inside the
// middleware chain, before any handler runs.
func writeEnvelope(w http.ResponseWriter, status int, code, message string) {
	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
