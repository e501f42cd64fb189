package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunMonthlyGrants is the external cron trigger for the monthly stipend job.
// Authentication is handled out of band (the route is not exposed publicly).
func (s *Server) RunMonthlyGrants(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{
			"type":    "service_unavailable",
			"message": "scheduler is not configured",
		}})
		return
	}

	dryRun := c.Query("dry_run") == "true"
	report, err := s.scheduler.RunMonthlyGrantJob(c.Request.Context(), dryRun)
	if err != nil {
		s.log.Warn("monthly grant job finished with errors", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
