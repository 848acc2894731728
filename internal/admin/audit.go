package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestID returns the audit id attached to a reconcile trigger request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// AuditMiddleware records every reconcile trigger attempt, including the
// ones refused by the scheduler or the rate limiter. Each attempt gets a
// request id that is returned in X-Request-ID and logged by the handler
// next to the trigger id it produced.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := uuid.NewString()
		user, _, _ := r.BasicAuth()
		w.Header().Set("X-Request-ID", requestID)

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))

		auditLogger.Info("reconcile trigger audit",
			"request_id", requestID,
			"user", user,
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
			"outcome", triggerOutcome(sw.statusCode),
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func triggerOutcome(status int) string {
	switch status {
	case http.StatusAccepted:
		return "triggered"
	case http.StatusConflict:
		return "refused"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	return "failed"
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}
