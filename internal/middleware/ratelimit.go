package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/service"
)

// Limiter decides whether subject may perform one more action.
type Limiter interface {
	Allow(ctx context.Context, subject string) bool
}

// RateLimit throttles authenticated requests per owner. It must run
// after Authenticator.Require; anonymous requests are limited per client IP.
func RateLimit(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if owner, ok := OwnerFrom(c); ok {
			subject = "owner:" + owner.String()
		}

		if !limiter.Allow(c.Request.Context(), subject) {
			c.Error(service.ErrThrottled)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{
				Error:   http.StatusText(http.StatusTooManyRequests),
				Message: "Rate limit exceeded, try again later",
			})
			return
		}
		c.Next()
	}
}
