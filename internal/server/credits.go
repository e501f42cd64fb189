package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
)

type deductRequest struct {
	UserID   string         `json:"user_id"`
	Amount   int64          `json:"amount"`
	EventID  string         `json:"event_id"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type eventRequest struct {
	UserID  string `json:"user_id"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason,omitempty"`
}

type refundRequest struct {
	UserID   string         `json:"user_id"`
	EventID  string         `json:"event_id"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) DeductCredits(c *gin.Context) {
	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.deductionSvc.DeductCredits(c.Request.Context(), creditdomain.DeductRequest{
		UserID:   userID,
		Amount:   req.Amount,
		EventID:  strings.TrimSpace(req.EventID),
		Reason:   req.Reason,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deducted": true}})
}

func (s *Server) HoldCredits(c *gin.Context) {
	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.deductionSvc.HoldCredits(c.Request.Context(), creditdomain.HoldRequest{
		UserID:  userID,
		Amount:  req.Amount,
		EventID: strings.TrimSpace(req.EventID),
		Reason:  req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"held": true}})
}

func (s *Server) ConfirmHold(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.deductionSvc.ConfirmHold(c.Request.Context(), userID, strings.TrimSpace(req.EventID), req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"confirmed": true}})
}

func (s *Server) ReleaseCredits(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.deductionSvc.ReleaseCredits(c.Request.Context(), userID, strings.TrimSpace(req.EventID), req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"released": true}})
}

func (s *Server) RefundCredits(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.deductionSvc.RefundCredits(c.Request.Context(), creditdomain.RefundRequest{
		UserID:   userID,
		EventID:  strings.TrimSpace(req.EventID),
		Reason:   req.Reason,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"refunded": true}})
}
