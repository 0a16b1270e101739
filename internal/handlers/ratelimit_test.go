package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1, 2)
	limiter.now = func() time.Time { return now }

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/checkrequest/x", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:5001").Code)

	rec := hit("10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, hit("10.0.0.2:5000").Code, "clients are limited independently")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:5003").Code)
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	limiter.allow("a")
	limiter.allow("b")
	assert.Len(t, limiter.clients, 2)

	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.allow("b")
	assert.Len(t, limiter.clients, 1)
}
