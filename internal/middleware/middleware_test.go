package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pushpay/config"
	"pushpay/internal/auth"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewInMemoryRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("first two requests refused")
	}
	if l.Allow("a") {
		t.Error("third request allowed inside the window")
	}
	if !l.Allow("b") {
		t.Error("keys are not independent")
	}
	now = now.Add(61 * time.Second)
	if !l.Allow("a") {
		t.Error("request refused after the window passed")
	}
	now = now.Add(2 * time.Minute)
	l.sweep()
	if len(l.requests) != 0 {
		t.Errorf("sweep left %d keys", len(l.requests))
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	l := NewInMemoryRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Fatal("limit 0 should disable limiting")
		}
	}
}

func TestAuthRequired(t *testing.T) {
	cfg := &config.JWTConfig{AccessSecret: "s", AccessExpiry: time.Hour, Issuer: "pushpay"}
	r := gin.New()
	r.GET("/me", AuthRequired(cfg), func(c *gin.Context) {
		c.String(http.StatusOK, GetCallerID(c))
	})
	r.GET("/admin", AuthRequired(cfg), AdminRequired(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	merchant, _ := auth.GenerateAccessToken(cfg, "shop-1", auth.RoleMerchant)
	admin, _ := auth.GenerateAccessToken(cfg, "ops", auth.RoleAdmin)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
		body   string
	}{
		{"no header", "/me", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/me", "Basic " + merchant, http.StatusUnauthorized, ""},
		{"bad token", "/me", "Bearer nope", http.StatusUnauthorized, ""},
		{"merchant", "/me", "Bearer " + merchant, http.StatusOK, "shop-1"},
		{"merchant on admin", "/admin", "Bearer " + merchant, http.StatusForbidden, ""},
		{"admin", "/admin", "Bearer " + admin, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("body = %q", w.Body.String())
			}
		})
	}
}

func TestRateLimitByCaller(t *testing.T) {
	l := NewInMemoryRateLimiter(1, time.Minute)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { c.Set("caller_id", c.Query("caller")) }, RateLimitBy(l, ByCaller), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	do := func(caller string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?caller="+caller, nil))
		return w.Code
	}
	if do("a") != http.StatusOK || do("b") != http.StatusOK {
		t.Fatal("first request per caller refused")
	}
	if got := do("a"); got != http.StatusTooManyRequests {
		t.Errorf("second request for a = %d", got)
	}
}
