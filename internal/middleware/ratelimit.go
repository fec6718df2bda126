package middleware

import (
	"net/http"
	"strconv"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// RateLimit limits each caller to limit requests per window. Authenticated
// callers are keyed by user so candidates behind one school NAT do not
// share a bucket; anonymous callers fall back to the client IP.
func RateLimit(limit uint, window time.Duration) gin.HandlerFunc {
	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  window,
		Limit: limit,
	})
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: rateLimitExceeded,
		KeyFunc:      rateLimitKey,
	})
}

func rateLimitKey(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return string(claims.TokenType) + ":" + strconv.Itoa(claims.UserID)
	}
	return c.ClientIP()
}

func rateLimitExceeded(c *gin.Context, info ratelimit.Info) {
	c.Header("Retry-After", strconv.Itoa(int(time.Until(info.ResetTime).Seconds())+1))
	response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
}
