package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"github.com/meterkit/creditledger/pkg/db/pagination"
)

func (s *Server) GetBalance(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	breakdown, err := s.balanceSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": breakdown})
}

func (s *Server) GetTotalBalance(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	total, err := s.balanceSvc.GetTotalBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"total": total}})
}

func (s *Server) GetSpentThisPeriod(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	start, err := parseOptionalTime(c.Query("start"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	end, err := parseOptionalTime(c.Query("end"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	spent, err := s.balanceSvc.GetSpentThisPeriod(c.Request.Context(), userID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": spent})
}

func (s *Server) GetExpiringCredits(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	withinDays := 30
	if raw := strings.TrimSpace(c.Query("within_days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		withinDays = parsed
	}

	expiring, err := s.balanceSvc.GetExpiringCredits(c.Request.Context(), userID, withinDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": expiring})
}

func (s *Server) GetTransactionLogs(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query struct {
		pagination.Pagination
		Search string `form:"search"`
		Type   string `form:"type"`
		Sort   string `form:"sort"`
		Desc   bool   `form:"desc"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var filterType *creditdomain.LogAction
	if raw := strings.TrimSpace(query.Type); raw != "" {
		action := creditdomain.LogAction(raw)
		filterType = &action
	}

	resp, err := s.balanceSvc.GetTransactionLogs(c.Request.Context(), creditdomain.ListLogsRequest{
		UserID:     userID,
		Pagination: query.Pagination,
		Search:     strings.TrimSpace(query.Search),
		FilterType: filterType,
		SortField:  strings.TrimSpace(query.Sort),
		SortDesc:   query.Desc,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func parseOptionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	return &t, nil
}
