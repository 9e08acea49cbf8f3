package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flexype/flashsale/auth"
	"github.com/flexype/flashsale/store/memory"
)

func TestClientID(t *testing.T) {
	cases := []struct {
		name      string
		remote    string
		realIP    string
		forwarded string
		expected  string
	}{
		{name: "remote addr", remote: "10.0.0.1:4321", expected: "10.0.0.1"},
		{name: "x-real-ip wins", remote: "10.0.0.1:4321", realIP: "203.0.113.7", expected: "203.0.113.7"},
		{name: "forwarded first hop", remote: "10.0.0.1:4321", forwarded: "198.51.100.9, 10.0.0.2", expected: "198.51.100.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientID(r); got != tc.expected {
				t.Fatalf("clientID = %s, want %s", got, tc.expected)
			}
		})
	}
}

func TestUserRateLimiterMiddleware(t *testing.T) {
	backend := memory.New()
	rejected := 0
	limiter := NewUserRateLimiter(backend, 2, time.Minute,
		func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
		func() { rejected++ },
	)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/reserve", nil)
		req = req.WithContext(auth.WithUser(req.Context(), user))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if call("alice") != http.StatusOK || call("alice") != http.StatusOK {
		t.Fatal("requests within the limit must pass")
	}
	if call("alice") != http.StatusTooManyRequests {
		t.Fatal("request over the limit must be rejected")
	}
	if rejected != 1 {
		t.Fatalf("rejected hook calls = %d", rejected)
	}
	// An independent principal is unaffected.
	if call("bob") != http.StatusOK {
		t.Fatal("independent principal was throttled")
	}
}

func TestIPRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(2, func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if call("10.0.0.1:1") != http.StatusOK || call("10.0.0.1:2") != http.StatusOK {
		t.Fatal("burst within limit must pass")
	}
	if call("10.0.0.1:3") != http.StatusTooManyRequests {
		t.Fatal("burst over limit must be rejected")
	}
	if call("10.0.0.2:1") != http.StatusOK {
		t.Fatal("other address was throttled")
	}
}
