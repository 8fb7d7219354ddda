package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/metricflow/internal/ratelimit"
	"go.uber.org/zap"
)

type RateLimiter = ratelimit.Allower

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		subject := ratelimit.ClientSubject(r.Header.Get(s.rateLimitUserIDHeader))

		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			s.logger.Warn("rate limiter check failed", zap.String("subject", subject), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.rejectRun(w, r, http.StatusTooManyRequests, outcomeRateLimited, "rate limit exceeded")
	})
}

// shouldRateLimit gates run submissions only; status polling stays free.
func shouldRateLimit(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == "/v1/runs"
}
