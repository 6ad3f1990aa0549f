package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
)

func (s *Server) handleGenerate(c *gin.Context) {
	window, err := windowParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	force, err := boolParam(c, "force_regenerate")
	if err != nil {
		s.respondError(c, err)
		return
	}

	out, err := s.engine.Recommend.GetOrGenerate(c.Request.Context(), c.Param("user_id"), window, force)
	if err != nil {
		s.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if out.Cached {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func (s *Server) handleListRecommendations(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	filter := database.RecommendationFilter{UserID: userID, Status: c.Query("status")}
	switch filter.Status {
	case "", database.StatusPendingApproval, database.StatusApproved, database.StatusOverridden, database.StatusRejected:
	default:
		s.respondError(c, apperr.Validation("unknown status %q", filter.Status))
		return
	}
	if c.Query("window_days") != "" {
		window, err := windowParam(c)
		if err != nil {
			s.respondError(c, err)
			return
		}
		filter.WindowDays = window
	}
	visible, err := boolParam(c, "visible")
	if err != nil {
		s.respondError(c, err)
		return
	}
	filter.VisibleOnly = visible

	if _, err := s.db.GetUser(ctx, userID); err != nil {
		s.respondError(c, notFound(err, "user %q not found", userID))
		return
	}
	recs, err := s.db.ListRecommendations(ctx, filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if recs == nil {
		recs = []database.Recommendation{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "recommendations": recs, "count": len(recs)})
}

type recommendationView struct {
	database.Recommendation
	BodyHTML string `json:"body_html"`
	Visible  bool   `json:"visible"`
}

func (s *Server) handleGetRecommendation(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.db.GetRecommendation(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, notFound(err, "recommendation %q not found", id))
		return
	}
	view := recommendationView{Recommendation: *rec, Visible: rec.Visible()}
	if rec.Body != nil {
		view.BodyHTML = renderMarkdown(*rec.Body)
	}
	c.JSON(http.StatusOK, view)
}
