package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func serve(h http.Handler, req *http.Request) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuth(t *testing.T) {
	h := Auth([]string{"k1", "k2"}, "/api/health")(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/x", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, req))

	req.Header.Set("Authorization", "Bearer k2")
	assert.Equal(t, http.StatusOK, serve(h, req))

	req = httptest.NewRequest(http.MethodGet, "/api/orders/x", nil)
	req.Header.Set("X-API-Key", "nope")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req))

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil)))
	assert.Equal(t, http.StatusOK, serve(Auth(nil)(ok), httptest.NewRequest(http.MethodGet, "/x", nil)))
}

func TestAuthWebSocketQueryKey(t *testing.T) {
	h := Auth([]string{"k1"})(ok)

	req := httptest.NewRequest(http.MethodGet, "/ws?api_key=k1", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, req), "query key only counts on upgrades")

	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, http.StatusOK, serve(h, req))
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestRateLimit(t *testing.T) {
	lim := &stubLimiter{}
	h := RateLimit(lim, 1, time.Minute)(ok)
	req := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"api:10.0.0.7"}, lim.keys)

	lim.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, serve(h, req), "limiter errors fail open")
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example"})(ok)
	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
