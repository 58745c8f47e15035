package app

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"examengine/internal/app/apiresp"
	"examengine/internal/auth"

	"github.com/go-chi/chi/v5"
)

type rateBucket struct {
	Count      int
	WindowEnds time.Time
}

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	store  map[string]rateBucket
	now    func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		max:    max,
		window: window,
		store:  make(map[string]rateBucket),
		now:    time.Now,
	}
}

func (l *RateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.store[key]
	if now.After(b.WindowEnds) {
		b = rateBucket{Count: 0, WindowEnds: now.Add(l.window)}
	}
	if b.Count >= l.max {
		l.store[key] = b
		return false
	}
	b.Count++
	l.store[key] = b
	if len(l.store) > 10000 {
		l.sweep(now)
	}
	return true
}

func (l *RateLimiter) sweep(now time.Time) {
	for k, b := range l.store {
		if now.After(b.WindowEnds) {
			delete(l.store, k)
		}
	}
}

// RateLimitMiddleware limits per caller and route pattern. Authenticated
// callers are keyed by user id, anonymous ones by remote address.
func RateLimitMiddleware(l *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(rateKey(r)) {
				apiresp.WriteErrorCode(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateKey(r *http.Request) string {
	caller := "ip:" + strings.TrimSpace(r.RemoteAddr)
	if u, ok := auth.CurrentUser(r.Context()); ok {
		caller = "user:" + strconv.FormatInt(u.ID, 10)
	}
	route := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			route = p
		}
	}
	return caller + "|" + r.Method + "|" + route
}
