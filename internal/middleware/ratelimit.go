package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/config"
)

// limiterScript refills and takes one token atomically.  It returns
// {allowed, remaining, retry_after_ms}.
var limiterScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		local until_next = interval_ms - (now_ms - last_refill)
		if until_next < 0 then until_next = 0 end
		retry_after_ms = until_next
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill, 'capacity', capacity)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// NewTokenBucket limits booking and payment requests with a Redis token
// bucket.  Without Redis, or when disabled, it passes every request
// through.  Redis errors fail open.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, logger *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ratelimit")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			args := []interface{}{
				time.Now().UnixMilli(),
				cfg.Capacity,
				cfg.RefillTokens,
				cfg.RefillInterval.Milliseconds(),
				int64(cfg.TTL / time.Second),
			}

			vals, err := limiterScript.Run(c.Request().Context(), rdb, []string{key}, args...).Result()
			if err != nil {
				logger.Warn("redis error", zap.String("key", key), zap.Error(err))
				return next(c)
			}
			arr, ok := vals.([]interface{})
			if !ok || len(arr) != 3 {
				logger.Warn("unexpected script result", zap.String("key", key), zap.Any("result", vals))
				return next(c)
			}
			allowed := asInt64(arr[0]) == 1 || fmt.Sprint(arr[0]) == "1"
			remaining := asInt64(arr[1])
			retryMs := asInt64(arr[2])

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if !allowed {
				secs := retryAfterSeconds(retryMs)
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				if cfg.Debug {
					logger.Info("blocked", zap.String("key", key), zap.Int64("retry_ms", retryMs))
				}
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":       "too_many_requests",
					"message":     "rate limit exceeded",
					"retry_after": secs,
				})
			}
			if cfg.Debug {
				c.Response().Header().Set("X-RateLimit-Key", key)
			}
			return next(c)
		}
	}
}

func retryAfterSeconds(ms int64) int {
	secs := int(math.Ceil(float64(ms) / 1000.0))
	if secs < 0 {
		return 0
	}
	return secs
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	parts := []string{cfg.Prefix}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	uid := currentUserID(c)
	route := c.Request().Method + " " + c.Path()

	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", uid)
	case "route":
		parts = append(parts, "route", route)
	case "ip_user":
		parts = append(parts, "ip", ip, "user", uid)
	case "ip_route":
		parts = append(parts, "ip", ip, "route", route)
	case "user_route":
		parts = append(parts, "user", uid, "route", route)
	default:
		parts = append(parts, "ip", ip, "user", uid, "route", route)
	}
	return strings.Join(parts, ":")
}
