package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/finpilot/internal/apperr"
)

// APIError is the body of every error response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// respondError writes the error envelope. Errors without a kind are logged
// and reported as a bare internal error.
func (s *Server) respondError(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorEnvelope{
			Error: APIError{Message: "internal error", Code: string(apperr.KindInternal)},
		})
		return
	}
	code := string(ae.Kind)
	if ae.Subtype != "" {
		code += "." + ae.Subtype
	}
	msg := ae.Message
	if msg == "" {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), ErrorEnvelope{
		Error: APIError{Message: msg, Code: code},
	})
}

// windowParam reads ?window_days=, defaulting to 30.
func windowParam(c *gin.Context) (int, error) {
	raw := c.DefaultQuery("window_days", "30")
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Validation("window_days must be a positive integer, got %q", raw)
	}
	return n, nil
}

func boolParam(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation("%s must be true or false, got %q", name, raw)
	}
	return v, nil
}

var (
	md       = goldmark.New()
	htmlSafe = bluemonday.UGCPolicy()
)

// renderMarkdown converts recommendation markdown to sanitized HTML.
func renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return htmlSafe.Sanitize(text)
	}
	return htmlSafe.Sanitize(buf.String())
}
