package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/circuitbreaker"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every RPC call made for one chain.
type Limiter struct {
	limiter *rate.Limiter
	chain   string
}

// NewLimiter allows rps calls per second with the given burst. A non-positive
// rps disables limiting.
func NewLimiter(rps float64, burst int, chain string) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		chain:   chain,
	}
}

// Wait blocks until one token is available or ctx is done. A cancelled wait
// returns its reservation.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	metrics.RPCRateLimitWaits.WithLabelValues(l.chain).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// RecordRPCCall records one finished call with its status class and latency.
func RecordRPCCall(chain, method string, started time.Time, err error) {
	metrics.RPCCallsTotal.WithLabelValues(chain, method, ClassifyRPCError(err)).Inc()
	metrics.RPCLatency.WithLabelValues(chain, method).Observe(time.Since(started).Seconds())
}

// ClassifyRPCError maps an error to a low-cardinality status label.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return "circuit_open"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "revert"):
		return "reverted"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}
