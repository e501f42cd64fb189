package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
)

type createGrantRequest struct {
	UserID      string         `json:"user_id"`
	Type        string         `json:"type"`
	Amount      int64          `json:"amount"`
	Priority    *int           `json:"priority,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	EffectiveAt *time.Time     `json:"effective_at,omitempty"`
	SourceRef   *string        `json:"source_ref,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type revokeGrantRequest struct {
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, ErrInvalidRequest
	}
	return id, nil
}

func (s *Server) CreateGrant(c *gin.Context) {
	var req createGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sourceRef := req.SourceRef
	if sourceRef != nil {
		trimmed := strings.TrimSpace(*sourceRef)
		if trimmed == "" {
			sourceRef = nil
		} else {
			sourceRef = &trimmed
		}
	}

	grantID, err := s.grantSvc.CreateGrant(c.Request.Context(), creditdomain.CreateGrantRequest{
		UserID:      userID,
		Type:        creditdomain.GrantType(strings.TrimSpace(req.Type)),
		Amount:      req.Amount,
		Priority:    req.Priority,
		ExpiresAt:   req.ExpiresAt,
		EffectiveAt: req.EffectiveAt,
		SourceRef:   sourceRef,
		Metadata:    req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"grant_id": grantID.String()}})
}

func (s *Server) RevokeGrant(c *gin.Context) {
	grantID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req revokeGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	revoked, err := s.grantSvc.RevokeGrant(c.Request.Context(), grantID, req.Reason, req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"revoked_amount": revoked}})
}

func (s *Server) DeactivateGrant(c *gin.Context) {
	grantID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.grantSvc.DeactivateGrant(c.Request.Context(), grantID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deactivated": true}})
}

func (s *Server) ListGrants(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var grants []creditdomain.Grant
	if c.Query("all") == "true" {
		grants, err = s.grantSvc.GetAllGrants(c.Request.Context(), userID)
	} else {
		grants, err = s.grantSvc.GetActiveGrants(c.Request.Context(), userID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if grants == nil {
		grants = []creditdomain.Grant{}
	}

	c.JSON(http.StatusOK, gin.H{"data": grants})
}
