package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

var testOrigins = []string{"http://localhost:5173", "https://dashboard.example.com"}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(nil)(okHandler()).ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	for _, kv := range securityHeaders {
		assert.Equal(t, kv[1], rr.Header().Get(kv[0]), kv[0])
	}
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders_CORS(t *testing.T) {
	handler := SecurityHeaders(testOrigins)(okHandler())

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"listed dev server", "http://localhost:5173", "http://localhost:5173"},
		{"listed https origin", "https://dashboard.example.com", "https://dashboard.example.com"},
		{"unlisted port", "http://localhost:3000", ""},
		{"scheme must match", "http://dashboard.example.com", ""},
		{"suffix attack", "https://dashboard.example.com.evil.io", ""},
		{"no origin", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/clustering/stats/global", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Header().Get("Access-Control-Allow-Origin"))
			if tt.want != "" {
				assert.Equal(t, "Origin", rr.Header().Get("Vary"))
			}
		})
	}
}

func TestSecurityHeaders_Preflight(t *testing.T) {
	called := false
	handler := SecurityHeaders(testOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/clustering/questions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-Auth-Token")
	assert.False(t, called)
}

func TestMaxBodySize(t *testing.T) {
	handler := MaxBodySize(100)(okHandler())

	tests := []struct {
		name          string
		contentLength int64
		want          int
	}{
		{"within limit", 50, http.StatusOK},
		{"at limit", 100, http.StatusOK},
		{"exceeds limit", 150, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/clustering/questions", nil)
			req.ContentLength = tt.contentLength
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
			if tt.want != http.StatusOK {
				assert.Contains(t, rr.Body.String(), `"kind":"payload_too_large"`)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	handler := RequireToken("token-123")(okHandler())

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing token", nil, http.StatusUnauthorized},
		{"wrong token", map[string]string{"X-Auth-Token": "nope"}, http.StatusUnauthorized},
		{"prefix of token", map[string]string{"X-Auth-Token": "token-12"}, http.StatusUnauthorized},
		{"header token", map[string]string{"X-Auth-Token": "token-123"}, http.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer token-123"}, http.StatusOK},
		{"basic scheme ignored", map[string]string{"Authorization": "Basic token-123"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/clustering/clusters/merge", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRequireToken_Disabled(t *testing.T) {
	rr := httptest.NewRecorder()
	RequireToken("")(okHandler()).ServeHTTP(rr, httptest.NewRequest("POST", "/api/clustering/clusters/merge", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when absent", "", false},
		{"client id kept", "req-42_a.b", true},
		{"unsafe characters replaced", "id\nforged: log line", false},
		{"overlong id replaced", strings.Repeat("a", maxRequestIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get("X-Request-ID")
			assert.Equal(t, got, seen)
			if tt.keep {
				assert.Equal(t, tt.header, got)
				return
			}
			_, err := uuid.Parse(got)
			assert.NoError(t, err)
		})
	}
}

func TestRequireJSONContentType(t *testing.T) {
	handler := RequireJSONContentType(okHandler())

	tests := []struct {
		name        string
		method      string
		contentType string
		want        int
	}{
		{"POST with JSON", "POST", "application/json", http.StatusOK},
		{"POST with JSON charset", "POST", "application/json; charset=utf-8", http.StatusOK},
		{"POST without content type", "POST", "", http.StatusOK},
		{"POST with form", "POST", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"PUT with text", "PUT", "text/plain", http.StatusUnsupportedMediaType},
		{"GET with text", "GET", "text/plain", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestPerClientRateLimiter_Refill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newPerClientRateLimiter(2, 3, clock.now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "burst request %d", i)
	}
	assert.False(t, rl.Allow("10.0.0.1"))

	clock.t = clock.t.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// Refill is capped at burst.
	clock.t = clock.t.Add(time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestPerClientRateLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := newPerClientRateLimiter(1, 1, clock.now)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "clients have separate buckets")

	stats := rl.Stats()
	assert.Equal(t, 2, stats["active_clients"])
	assert.Equal(t, int64(3), stats["total_requests"])
	assert.Equal(t, int64(1), stats["total_rejected"])

	// Idle clients are dropped on the next sweep.
	clock.t = clock.t.Add(time.Hour)
	assert.True(t, rl.Allow("10.0.0.3"))
	assert.Equal(t, 1, rl.Stats()["active_clients"])
}

func TestPerClientRateLimiter_RetryAfter(t *testing.T) {
	assert.Equal(t, "1", NewPerClientRateLimiter(10, 1).retryAfter())
	assert.Equal(t, "1", NewPerClientRateLimiter(1, 1).retryAfter())
	assert.Equal(t, "4", NewPerClientRateLimiter(0.25, 1).retryAfter())
}

func TestPerClientRateLimitMiddleware(t *testing.T) {
	handler := PerClientRateLimitMiddleware(NewPerClientRateLimiter(0.5, 1))(okHandler())

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/clustering/questions", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:4000").Code)

	rr := send("192.0.2.1:4001")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "ports of one host share a bucket")
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send("192.0.2.2:4000").Code)
}
