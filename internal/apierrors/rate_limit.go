package apierrors

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitError represents a standardized 429 Too Many Requests response.
// Rate limit responses from this proxy carry limit metadata to distinguish
// them from upstream provider 429s, which are passed through untouched.
type RateLimitError struct {
	Error    string    `json:"error"`
	Limit    int       `json:"limit"`
	ResetsAt time.Time `json:"resets_at"`
}

// AbortWithRateLimit sends a 429 response with standard rate-limit headers
// and aborts the request.
func AbortWithRateLimit(c *gin.Context, limit, remaining int, resetsAt time.Time) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(resetsAt.Unix(), 10))

	retryAfter := int(time.Until(resetsAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))

	c.AbortWithStatusJSON(http.StatusTooManyRequests, &RateLimitError{
		Error:    "rate limit exceeded",
		Limit:    limit,
		ResetsAt: resetsAt,
	})
}
