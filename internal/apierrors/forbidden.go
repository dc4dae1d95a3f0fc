package apierrors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ForbiddenReason represents machine-readable reason codes for 403 errors.
type ForbiddenReason string

const (
	// ReasonReadOnlyMode is returned for mutating analysis-API calls when no
	// dashboard API key is configured.
	ReasonReadOnlyMode ForbiddenReason = "read_only_mode"
)

// ForbiddenError represents a standardized 403 Forbidden response.
type ForbiddenError struct {
	Error   string                 `json:"error"`
	Reason  ForbiddenReason        `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AbortWithForbidden sends a 403 response and aborts the request.
func AbortWithForbidden(c *gin.Context, reason ForbiddenReason, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusForbidden, &ForbiddenError{
		Error:   message,
		Reason:  reason,
		Details: details,
	})
}
