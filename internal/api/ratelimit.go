package api

import (
	"net/http"
	"sync"
	"time"

	"automation/internal/observability"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter gives every user their own token bucket.
type UserRateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	users     map[string]*userLimiter
	lastSweep time.Time
}

// NewUserRateLimiter allows perMinute requests per user with the given burst.
// It returns nil, meaning unlimited, when perMinute is not positive.
func NewUserRateLimiter(perMinute, burst int) *UserRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &UserRateLimiter{
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: max(burst, 1),
		now:   time.Now,
		users: make(map[string]*userLimiter),
	}
}

// Allow reports whether userID may make another request now.
func (l *UserRateLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdle {
		for id, u := range l.users {
			if now.Sub(u.lastSeen) > limiterIdle {
				delete(l.users, id)
			}
		}
		l.lastSweep = now
	}

	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	return u.limiter.AllowN(now, 1)
}

// RateLimitMiddleware rejects requests over the caller's budget with 429.
// It must run after UserMiddleware.
func RateLimitMiddleware(limiter *UserRateLimiter, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(UserID(r.Context())) {
				if metrics != nil {
					metrics.RecordStartRateLimited(r.Context())
				}
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many job starts, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
