package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
)

// notFound converts a store miss into the API's not-found error.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound(format, args...)
	}
	return err
}

func (s *Server) handleGetUser(c *gin.Context) {
	userID := c.Param("user_id")
	u, err := s.db.GetUser(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, notFound(err, "user %q not found", userID))
		return
	}
	c.JSON(http.StatusOK, u)
}

type consentResponse struct {
	UserID  string                  `json:"user_id"`
	Granted bool                    `json:"consent_status"`
	History []database.ConsentEvent `json:"history"`
}

func (s *Server) handleGetConsent(c *gin.Context) {
	userID := c.Param("user_id")
	consent, err := s.db.GetConsent(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, notFound(err, "user %q not found", userID))
		return
	}
	c.JSON(http.StatusOK, consentResponse{UserID: userID, Granted: consent.Granted, History: consent.History})
}

type consentRequest struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

func (s *Server) handleSetConsent(c *gin.Context) {
	var req consentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	var granted bool
	switch strings.ToLower(req.Action) {
	case "grant":
		granted = true
	case "revoke":
	default:
		s.respondError(c, apperr.Validation("invalid action %q: must be 'grant' or 'revoke'", req.Action))
		return
	}

	ctx := c.Request.Context()
	if err := s.db.SetConsent(ctx, req.UserID, granted, time.Now()); err != nil {
		s.respondError(c, notFound(err, "user %q not found", req.UserID))
		return
	}
	consent, err := s.db.GetConsent(ctx, req.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.log.Info("consent updated", "user_id", req.UserID, "granted", granted)
	c.JSON(http.StatusOK, consentResponse{UserID: req.UserID, Granted: consent.Granted, History: consent.History})
}

func (s *Server) handleGetPersona(c *gin.Context) {
	window, err := windowParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	pa, err := s.engine.Personas.Get(c.Request.Context(), c.Param("user_id"), window)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pa)
}

func (s *Server) handleAssignPersona(c *gin.Context) {
	window, err := windowParam(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	pa, err := s.engine.Personas.Assign(c.Request.Context(), c.Param("user_id"), window)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pa)
}

func (s *Server) handleListProducts(c *gin.Context) {
	offers, err := s.db.ActiveOffers(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if offers == nil {
		offers = []database.ProductOffer{}
	}
	c.JSON(http.StatusOK, gin.H{"products": offers, "count": len(offers)})
}

func (s *Server) handleDashboard(c *gin.Context) {
	stats, err := s.db.GetStats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
