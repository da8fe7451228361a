package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Check(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRateLimiter(2, time.Minute, clk)

	allowed, remaining, _ := rl.Check("user:P1")
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)

	allowed, _, _ = rl.Check("user:P1")
	assert.True(t, allowed)

	allowed, remaining, _ = rl.Check("user:P1")
	assert.False(t, allowed)
	assert.Zero(t, remaining)

	allowed, _, _ = rl.Check("user:D1")
	assert.True(t, allowed, "limits are per identifier")

	clk.Add(time.Minute)
	allowed, _, _ = rl.Check("user:P1")
	assert.True(t, allowed, "a new window resets the count")

	clk.Add(2 * time.Minute)
	rl.Prune()
	rl.mu.Lock()
	assert.Empty(t, rl.limits)
	rl.mu.Unlock()
}

func TestRateLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(1, time.Minute, clock.NewMock()).Middleware())
	router.GET("/api/signaling", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(userID string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/signaling?userId="+userID, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("P1"))
	assert.Equal(t, http.StatusTooManyRequests, get("P1"))
	assert.Equal(t, http.StatusOK, get("D1"))
}
