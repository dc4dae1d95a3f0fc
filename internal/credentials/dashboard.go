package credentials

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/claude-nexus/internal/apierrors"
)

// DashboardAuth guards the management API with the dashboard key. When no key
// is configured the API degrades to read-only: reads pass, mutations are
// forbidden.
func DashboardAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			if c.Request.Method == http.MethodGet {
				c.Next()
				return
			}
			apierrors.AbortWithForbidden(c, apierrors.ReasonReadOnlyMode,
				"management API is read-only without a dashboard key", nil)
			return
		}

		presented := bearerToken(c.GetHeader("Authorization"))
		if presented == "" || !VerifyClientKey(presented, apiKey) {
			apierrors.AbortWithUnauthorized(c, "invalid or missing dashboard API key", nil)
			return
		}
		c.Next()
	}
}
