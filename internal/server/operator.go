package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/approval"
	"github.com/TobiSchelling/finpilot/internal/review"
)

const operatorHeader = "X-Operator-ID"

type operatorRequest struct {
	OperatorID string   `json:"operator_id"`
	Reason     string   `json:"reason"`
	NewTitle   *string  `json:"new_title"`
	NewBody    *string  `json:"new_body"`
	IDs        []string `json:"recommendation_ids"`
}

// bindOperator decodes the optional JSON body. The operator id may come
// from the body or the X-Operator-ID header.
func bindOperator(c *gin.Context) (*operatorRequest, error) {
	var req operatorRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, apperr.Validation("invalid request body: %v", err)
		}
	}
	if strings.TrimSpace(req.OperatorID) == "" {
		req.OperatorID = c.GetHeader(operatorHeader)
	}
	return &req, nil
}

func (s *Server) handleApprove(c *gin.Context) {
	req, err := bindOperator(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	rec, err := s.engine.Approval.Approve(c.Request.Context(), c.Param("id"), req.OperatorID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleReject(c *gin.Context) {
	req, err := bindOperator(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	rec, err := s.engine.Approval.Reject(c.Request.Context(), c.Param("id"), req.OperatorID, req.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleOverride(c *gin.Context) {
	req, err := bindOperator(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	rec, err := s.engine.Approval.Override(c.Request.Context(), c.Param("id"), req.OperatorID, approval.OverrideRequest{
		Title:  req.NewTitle,
		Body:   req.NewBody,
		Reason: req.Reason,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleBulkApprove(c *gin.Context) {
	req, err := bindOperator(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	res, err := s.engine.Approval.BulkApprove(c.Request.Context(), req.IDs, req.OperatorID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleHistory(c *gin.Context) {
	id := c.Param("id")
	actions, err := s.engine.Approval.History(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendation_id": id, "actions": actions})
}

func (s *Server) handleUserActions(c *gin.Context) {
	userID := c.Param("user_id")
	actions, err := s.engine.Approval.ActionsForUser(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "actions": actions})
}

// handleReview returns the pending queue as markdown, or as sanitized HTML
// with ?format=html.
func (s *Server) handleReview(c *gin.Context) {
	window, err := windowParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	d, err := review.Build(c.Request.Context(), s.db, window)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if c.Query("format") == "html" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(renderMarkdown(d.Markdown)))
		return
	}
	c.JSON(http.StatusOK, d)
}
