package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"courier/internal/pkg/errors"
	"courier/internal/platform/config"
)

const (
	LimitRead  = "api_read"
	LimitWrite = "api_write"
)

type RateLimiter struct {
	store  *sync.Map // map[string]*Bucket
	limits map[string]int
	now    func() time.Time
}

type Bucket struct {
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
	lastAccess time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	limits := map[string]int{
		LimitRead:  cfg.APIReadPerMinute,
		LimitWrite: cfg.APIWritePerMinute,
	}
	for k, v := range limits {
		if v <= 0 {
			delete(limits, k)
		}
	}
	return &RateLimiter{
		store:  &sync.Map{},
		limits: limits,
		now:    time.Now,
	}
}

// Sweep drops buckets idle for longer than idle. The server calls it on a
// ticker.
func (rl *RateLimiter) Sweep(idle time.Duration) {
	now := rl.now()
	rl.store.Range(func(key, value interface{}) bool {
		bucket := value.(*Bucket)
		bucket.mu.Lock()
		if now.Sub(bucket.lastAccess) > idle {
			rl.store.Delete(key)
		}
		bucket.mu.Unlock()
		return true
	})
}

func (rl *RateLimiter) Allow(key string, limit int) bool {
	now := rl.now()

	val, _ := rl.store.LoadOrStore(key, &Bucket{
		tokens:     limit,
		lastRefill: now,
		lastAccess: now,
	})

	bucket := val.(*Bucket)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	bucket.lastAccess = now

	// Rate is limit / 60 seconds
	elapsed := now.Sub(bucket.lastRefill)
	refillRate := float64(limit) / 60.0
	refillTokens := int(elapsed.Seconds() * refillRate)

	if refillTokens > 0 {
		if bucket.tokens+refillTokens > limit {
			bucket.tokens = limit
		} else {
			bucket.tokens += refillTokens
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}

	return false
}

// Limit applies the per-minute budget for limitType, keyed by the
// authenticated user or, before auth, the remote address.
func (rl *RateLimiter) Limit(limitType string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			limit, ok := rl.limits[limitType]
			if !ok {
				next(w, r)
				return
			}

			key := fmt.Sprintf("%s:%s", r.RemoteAddr, limitType)
			if claims := ClaimsFrom(r.Context()); claims != nil {
				key = fmt.Sprintf("%s:%s", claims.UserID, limitType)
			}

			if !rl.Allow(key, limit) {
				w.Header().Set("Retry-After", "60")
				errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded", nil)
				return
			}

			next(w, r)
		}
	}
}
