package admin

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// route is one admin endpoint with the limiter shared by all of its callers.
type route struct {
	method  string
	prefix  string
	limiter *rate.Limiter
}

// RateLimiter bounds how often the admin routes can be hit. Limits are per
// route, not per client: a reconcile trigger starts a run on every chain no
// matter who sends it.
type RateLimiter struct {
	routes []route
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimiter allows one reconcile trigger every five minutes, 120
// progress lookups a minute and one status or health read a second.
func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		routes: []route{
			{method: http.MethodPost, prefix: "/admin/v1/reconcile", limiter: rate.NewLimiter(rate.Every(5*time.Minute), 1)},
			{method: http.MethodGet, prefix: "/admin/v1/progress", limiter: rate.NewLimiter(rate.Limit(120.0/60), 20)},
			{method: http.MethodGet, prefix: "/admin/v1/", limiter: rate.NewLimiter(1, 5)},
		},
		logger: logger.With("component", "admin_ratelimit"),
		now:    time.Now,
	}
}

func (rl *RateLimiter) match(method, path string) *route {
	for i := range rl.routes {
		if rl.routes[i].method == method && strings.HasPrefix(path, rl.routes[i].prefix) {
			return &rl.routes[i]
		}
	}
	return nil
}

// Wrap rejects requests over their route's limit with 429 and a Retry-After
// telling the caller when the next one will be admitted. Requests for
// unknown routes pass through to the mux.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := rl.match(r.Method, r.URL.Path)
		if rt == nil {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		res := rt.limiter.ReserveN(now, 1)
		if wait := res.DelayFrom(now); wait > 0 {
			res.CancelAt(now)
			retry := int(math.Ceil(wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("admin API rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"retry_after_s", retry,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}
