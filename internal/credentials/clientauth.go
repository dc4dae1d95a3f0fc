package credentials

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/claude-nexus/internal/apierrors"
)

// VerifyClientKey compares a presented client key against the expected one in
// constant time.
func VerifyClientKey(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// ClientAuthMiddleware enforces the per-domain client_api_key. Domains whose
// credential file has no client key pass through; an unmapped domain is
// rejected later by credential resolution, not here.
func (m *Manager) ClientAuthMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		cred, err := m.load(c.Request.Host)
		if err != nil {
			apierrors.AbortWithInternal(c, "failed to resolve domain credential", nil)
			return
		}
		if cred == nil || cred.ClientAPIKey == "" {
			c.Next()
			return
		}

		presented := bearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.GetHeader("x-api-key")
		}
		if presented == "" || !VerifyClientKey(presented, cred.ClientAPIKey) {
			m.log.Warn("client authentication failed",
				"domain", c.Request.Host,
				"path", c.Request.URL.Path)
			apierrors.AbortWithUnauthorized(c, "invalid or missing client API key", nil)
			return
		}

		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
