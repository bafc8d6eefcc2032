package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coolbix/quantgate/internal/common"
)

const (
	rateWindow = 60 * time.Second
	quotaTTL   = 86400 * time.Second
)

// RateLimiter enforces the per-endpoint sliding-minute cap and the
// per-user daily quota over Redis. A nil Redis client or a Redis error
// fails open: availability beats strict enforcement here.
type RateLimiter struct {
	rdb    *redis.Client
	config *common.RateLimitConfig
	logger *common.Logger
	loc    *time.Location
	now    func() time.Time
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithQuotaLocation sets the timezone the daily quota day rolls over in.
// The quota day must match the trading calendar, not UTC.
func WithQuotaLocation(loc *time.Location) LimiterOption {
	return func(l *RateLimiter) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// NewRateLimiter creates the limiter. rdb may be nil to disable.
func NewRateLimiter(rdb *redis.Client, config *common.RateLimitConfig, logger *common.Logger, opts ...LimiterOption) *RateLimiter {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	l := &RateLimiter{rdb: rdb, config: config, logger: logger, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// sanitizeEndpoint flattens an endpoint path into a key segment.
func sanitizeEndpoint(endpoint string) string {
	return strings.ReplaceAll(strings.Trim(endpoint, "/"), "/", "_")
}

// Limit wraps a handler with the sliding 60-second counter for one
// endpoint. Anonymous callers are limited by client IP.
func (l *RateLimiter) Limit(endpoint string) func(http.Handler) http.Handler {
	cap := l.config.EndpointLimit(endpoint)
	segment := sanitizeEndpoint(endpoint)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.rdb == nil {
				next.ServeHTTP(w, r)
				return
			}
			identity := requestUser(r)
			if identity == "" {
				identity = clientIP(r)
			}

			key := fmt.Sprintf("user:rate_limit:%s:%s", identity, segment)
			count, err := l.rdb.Incr(r.Context(), key).Result()
			if err != nil {
				l.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Rate limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if err := l.rdb.Expire(r.Context(), key, rateWindow).Err(); err != nil {
					l.logger.Warn().Err(err).Str("key", key).Msg("Failed to set rate limit TTL")
				}
			}
			if count > int64(cap) {
				WriteLimitError(w, LimitError{
					Code:         "RATE_LIMIT_EXCEEDED",
					Message:      fmt.Sprintf("rate limit of %d requests per minute exceeded for %s", cap, endpoint),
					RateLimit:    cap,
					CurrentCount: int(count),
					ResetTime:    int(rateWindow.Seconds()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Quota wraps a handler with the per-user daily quota. Anonymous
// callers bypass the quota entirely; they are still rate limited by IP.
func (l *RateLimiter) Quota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := requestUser(r)
		if l.rdb == nil || user == "" {
			next.ServeHTTP(w, r)
			return
		}

		day := l.now().In(l.loc).Format("2006-01-02")
		key := fmt.Sprintf("user:daily_quota:%s:%s", user, day)
		count, err := l.rdb.Incr(r.Context(), key).Result()
		if err != nil {
			l.logger.Warn().Err(err).Str("user", user).Msg("Quota check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := l.rdb.Expire(r.Context(), key, quotaTTL).Err(); err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("Failed to set quota TTL")
			}
		}
		quota := l.config.GetDailyQuota()
		if count > int64(quota) {
			WriteLimitError(w, LimitError{
				Code:         "DAILY_QUOTA_EXCEEDED",
				Message:      fmt.Sprintf("daily quota of %d analysis requests exceeded", quota),
				DailyQuota:   quota,
				CurrentCount: int(count),
				ResetDate:    l.now().In(l.loc).AddDate(0, 0, 1).Format("2006-01-02"),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
