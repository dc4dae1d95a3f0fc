package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lumenlabs/claude-nexus/internal/apierrors"
	"github.com/lumenlabs/claude-nexus/internal/logger"
	"github.com/lumenlabs/claude-nexus/internal/usage"
)

// Health reports liveness and which subsystems are wired.
func (h *Handler) Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"instance_id": logger.GetInstanceID(),
			"storage":     h.store != nil,
		})
	}
}

// TokenStats returns per-account rolling usage, per-account daily aggregates
// over the requested horizon (?days=N, default 7), and, when storage is
// enabled, per-domain aggregates for the last 24 hours.
func (h *Handler) TokenStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()

		days := 7
		if v := c.Query("days"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				days = parsed
			}
		}

		snaps := h.tracker.Snapshots(now)
		daily := make(map[string][]usage.DayUsage, len(snaps))
		for _, s := range snaps {
			daily[s.AccountID] = h.tracker.DailyUsage(s.AccountID, days, now)
		}

		out := gin.H{
			"accounts": snaps,
			"daily":    daily,
		}

		if h.store != nil {
			stats, err := h.store.Writer().TokenStats(c.Request.Context(), now.Add(-24*time.Hour))
			if err != nil {
				h.log.LogError(c.Request.Context(), err, "failed to load domain token stats")
				apierrors.AbortWithInternal(c, "failed to load token stats", nil)
				return
			}
			out["domains"] = stats
		}

		c.JSON(http.StatusOK, out)
	}
}

// GetRequest looks up one stored request by UUID or by its short log ID.
func (h *Handler) GetRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.store == nil {
			apierrors.AbortWithNotFound(c, "storage is disabled", nil)
			return
		}

		id := c.Param("id")
		requestID, err := uuid.Parse(id)
		if err != nil {
			resolved, ok := h.store.ResolveShortID(id)
			if !ok {
				apierrors.AbortWithNotFound(c, "unknown request id", map[string]interface{}{
					"id": id,
				})
				return
			}
			requestID = resolved
		}

		row, err := h.store.Writer().GetRequest(c.Request.Context(), requestID)
		if err != nil {
			h.log.LogError(c.Request.Context(), err, "failed to load request row")
			apierrors.AbortWithInternal(c, "failed to load request", nil)
			return
		}
		if row == nil {
			apierrors.AbortWithNotFound(c, "request not found", map[string]interface{}{
				"request_id": requestID.String(),
			})
			return
		}
		c.JSON(http.StatusOK, row)
	}
}
