package apierrors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithTimeout sends a 504 Gateway Timeout response and aborts the request.
// Used when the upstream or overall server deadline is exceeded.
func AbortWithTimeout(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusGatewayTimeout, NewAPIError(message, nil))
}
