package web

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 2)

	assert.True(t, rl.Allow("192.168.1.1"))
	assert.True(t, rl.Allow("192.168.1.1"))
	assert.False(t, rl.Allow("192.168.1.1"))
	assert.True(t, rl.Allow("192.168.1.2"), "buckets are per IP")
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(rate.Limit(1), 1)
	rl.now = func() time.Time { return now }

	rl.Allow("192.168.1.1")
	now = now.Add(time.Minute)
	rl.Allow("192.168.1.2")

	now = now.Add(rl.ttl)
	assert.Equal(t, 1, rl.evict())
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "192.168.1.2")
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		requestCount   int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"at burst limit", 10, rate.Limit(1), 10, http.StatusOK},
		{"over limit", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(RateLimitMiddleware(NewRateLimiter(tt.rateLimit, tt.burst)))
			router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

			var last *httptest.ResponseRecorder
			for i := 0; i < tt.requestCount; i++ {
				last = httptest.NewRecorder()
				req := httptest.NewRequest(http.MethodGet, "/test", nil)
				req.RemoteAddr = "192.168.1.100:12345"
				router.ServeHTTP(last, req)
			}

			assert.Equal(t, tt.expectedStatus, last.Code)
			if tt.expectedStatus == http.StatusTooManyRequests {
				assert.Contains(t, last.Body.String(), "Rate limit exceeded")
				assert.Equal(t, "1", last.Header().Get("Retry-After"))
			}
		})
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		bodySize       int
		chunked        bool
		expectedStatus int
	}{
		{"under limit", 512, false, http.StatusOK},
		{"at limit", 1024, false, http.StatusOK},
		{"declared too large", 2048, false, http.StatusRequestEntityTooLarge},
		{"streamed too large", 2048, true, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(1024))
			router.POST("/test", func(c *gin.Context) {
				if _, err := io.ReadAll(c.Request.Body); err != nil {
					c.Status(http.StatusRequestEntityTooLarge)
					return
				}
				c.Status(http.StatusOK)
			})

			var body io.Reader = bytes.NewReader(make([]byte, tt.bodySize))
			if tt.chunked {
				// Hide the length so only the reader limit applies.
				body = io.MultiReader(strings.NewReader(""), body)
			}
			req := httptest.NewRequest(http.MethodPost, "/test", body)
			if tt.chunked {
				req.ContentLength = -1
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}
