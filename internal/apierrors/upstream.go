package apierrors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// UpstreamError represents a 502 Bad Gateway response carrying the upstream
// status that caused it.
type UpstreamError struct {
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// AbortWithUpstream sends a 502 response and aborts the request.
func AbortWithUpstream(c *gin.Context, message string, upstreamStatus int) {
	c.AbortWithStatusJSON(http.StatusBadGateway, &UpstreamError{
		Error:          message,
		UpstreamStatus: upstreamStatus,
	})
}
