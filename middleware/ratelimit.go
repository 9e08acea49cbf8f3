package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flexype/flashsale/auth"
	"github.com/flexype/flashsale/store"
)

// RejectFunc writes the 429 response. The server wires an RFC 7807 body.
type RejectFunc func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

// UserRateLimiter applies the fixed-window per-(principal, endpoint) counter
// held in the shared store. It must run after authentication and before any
// stock mutation.
type UserRateLimiter struct {
	limiter  store.RateLimiter
	limit    int
	window   time.Duration
	onReject RejectFunc
	rejected func()
}

// NewUserRateLimiter builds the per-user limiter; window defaults to one
// minute.
func NewUserRateLimiter(limiter store.RateLimiter, limit int, window time.Duration, onReject RejectFunc, rejected func()) *UserRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if rejected == nil {
		rejected = func() {}
	}
	return &UserRateLimiter{limiter: limiter, limit: limit, window: window, onReject: onReject, rejected: rejected}
}

// Middleware enforces the limit for the wrapped route.
func (l *UserRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.UserID(r.Context())
		if !ok {
			// Authentication rejects unauthenticated requests before
			// this middleware; nothing to count against.
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter, err := l.limiter.Allow(r.Context(), principal, r.URL.Path, l.limit, l.window)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !allowed {
			l.rejected()
			l.onReject(w, r, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPRateLimiter is the pre-auth fallback limiter keyed by client address.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	perMin   float64
	burst    int
	onReject RejectFunc
}

// NewIPRateLimiter builds the per-IP limiter.
func NewIPRateLimiter(requestsPerMinute int, onReject RejectFunc) *IPRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 100
	}
	return &IPRateLimiter{
		visitors: make(map[string]*rate.Limiter),
		perMin:   float64(requestsPerMinute),
		burst:    requestsPerMinute,
		onReject: onReject,
	}
}

// Middleware enforces the per-IP limit.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := l.obtain(clientID(r))
		if !limiter.Allow() {
			l.onReject(w, r, time.Minute)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPRateLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perMin/60.0), l.burst)
		l.visitors[id] = limiter
	}
	return limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			ip = strings.TrimSpace(ip[:comma])
		}
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
