package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.FromContext(c.Request.Context()).Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthCheck answers /health before the rest of the chain runs
func HealthCheck(serviceName string, checks ...func() (string, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/health" {
			c.Next()
			return
		}

		body := gin.H{
			"status":  "healthy",
			"service": serviceName,
		}
		for _, check := range checks {
			name, ok := check()
			if ok {
				body[name] = "ok"
				continue
			}
			body[name] = "degraded"
			body["status"] = "degraded"
		}
		c.JSON(http.StatusOK, body)
		c.Abort()
	}
}
