package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dukepan/dj-rooms-back/internal/contextkey"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// Idle buckets evaporate; a returning user starts from a full bucket anyway.
const bucketTTL = 10 * time.Minute

// RateLimiter is a per-user token bucket kept in Redis so every instance
// draws from the same bucket.
type RateLimiter struct {
	redisClient *redis.Client
	capacity    int64   // maximum tokens the bucket can hold
	rate        float64 // tokens added per second
}

// NewRateLimiter creates a token bucket limiter with the given capacity and
// refill rate.
func NewRateLimiter(redisClient *redis.Client, capacity int64, rate float64) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		capacity:    capacity,
		rate:        rate,
	}
}

// Middleware rejects requests from users whose bucket is empty. It runs after
// auth, so a missing user ID means a wiring mistake rather than a client bug.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		userID, ok := req.Context().Value(contextkey.ContextKeyUserID).(uuid.UUID)
		if !ok || userID == uuid.Nil {
			utils.RespondError(w, http.StatusUnauthorized, "user ID not found in context")
			return
		}

		if !rl.Allow(req.Context(), userID.String()) {
			utils.RespondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, req)
	})
}

// Allow refills the user's bucket for the elapsed time and tries to consume
// one token. Redis failures fail open; throttling is not worth an outage.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) bool {
	key := fmt.Sprintf("rate_limit:%s", userID)

	val, err := rl.redisClient.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		slog.Warn("rate limiter failed to read bucket, allowing request", "error", err)
		return true
	}

	currentTokens := rl.capacity
	lastRefillTime := time.Now()

	if val[0] != nil && val[1] != nil {
		if t, err := strconv.ParseInt(val[0].(string), 10, 64); err == nil {
			currentTokens = t
		}
		if t, err := time.Parse(time.RFC3339Nano, val[1].(string)); err == nil {
			lastRefillTime = t
		}
	}

	now := time.Now()
	tokensToAdd := int64(now.Sub(lastRefillTime).Seconds() * rl.rate)
	currentTokens = int64(math.Min(float64(rl.capacity), float64(currentTokens+tokensToAdd)))

	if currentTokens < 1 {
		return false
	}
	currentTokens--

	pipe := rl.redisClient.TxPipeline()
	pipe.HSet(ctx, key, "tokens", currentTokens, "last_refill", now.Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limiter failed to write bucket, allowing request", "error", err)
	}
	return true
}
