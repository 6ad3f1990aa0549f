package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/finpilot/internal/approval"
	"github.com/TobiSchelling/finpilot/internal/config"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/guardrail"
	"github.com/TobiSchelling/finpilot/internal/llm"
	"github.com/TobiSchelling/finpilot/internal/logger"
	"github.com/TobiSchelling/finpilot/internal/pipeline"
	"github.com/TobiSchelling/finpilot/internal/recommend"
)

type stubGenerator struct{ calls int }

func (g *stubGenerator) Generate(context.Context, string, llm.GenerationContext) ([]llm.Candidate, error) {
	g.calls++
	return []llm.Candidate{
		{Title: "Pay more than the minimum", Body: "You can **start small** with an extra $25", Rationale: "minimum_payment_only is true"},
		{Title: "Use autopay", Body: "Consider autopay to avoid late fees", Rationale: "any_overdue is true"},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *database.DB, *stubGenerator) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, u := range []struct {
		id      string
		consent bool
	}{{"u1", true}, {"u2", false}} {
		require.NoError(t, db.UpsertUser(ctx, database.User{UserID: u.id, FullName: "User " + u.id}))
		require.NoError(t, db.SetConsent(ctx, u.id, u.consent, time.Now()))
	}
	require.NoError(t, db.UpsertSignals(ctx, database.UserSignals{
		UserID: "u1", WindowDays: 30, AvgUtilization: 0.55, MaxUtilization: 0.82, AnyOverdue: true,
	}))

	gen := &stubGenerator{}
	engine, err := pipeline.NewWithGenerator(ctx, config.Default(), db, gen, logger.Nop())
	require.NoError(t, err)
	return New(db, engine, logger.Nop()), db, gen
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[ErrorEnvelope](t, rec).Error.Code
}

func generate(t *testing.T, srv *Server) *recommend.Outcome {
	t.Helper()
	rec := do(t, srv, "POST", "/recommendations/u1/generate?window_days=30", "")
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code, rec.Body.String())
	out := decode[recommend.Outcome](t, rec)
	return &out
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestGenerateThenCached(t *testing.T) {
	srv, _, gen := newTestServer(t)

	first := do(t, srv, "POST", "/recommendations/u1/generate", "")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	out := decode[recommend.Outcome](t, first)
	assert.False(t, out.Cached)
	assert.Equal(t, database.PersonaHighUtilization, out.Persona)
	require.Len(t, out.Recommendations, 2)

	second := do(t, srv, "POST", "/recommendations/u1/generate", "")
	require.Equal(t, http.StatusOK, second.Code)
	cached := decode[recommend.Outcome](t, second)
	assert.True(t, cached.Cached)
	assert.Equal(t, out.Recommendations[0].ID, cached.Recommendations[0].ID)
	assert.Equal(t, 1, gen.calls)

	forced := do(t, srv, "POST", "/recommendations/u1/generate?force_regenerate=true", "")
	assert.Equal(t, http.StatusCreated, forced.Code)
	assert.Equal(t, 2, gen.calls)
}

func TestGenerateErrors(t *testing.T) {
	srv, _, gen := newTestServer(t)

	rec := do(t, srv, "POST", "/recommendations/u2/generate", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "consent_denied", errorCode(t, rec))

	rec = do(t, srv, "POST", "/recommendations/ghost/generate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, "POST", "/recommendations/u1/generate?window_days=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorCode(t, rec))

	rec = do(t, srv, "POST", "/recommendations/u1/generate?force_regenerate=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, gen.calls)
}

func TestConsentEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, "POST", "/consent", `{"user_id":"u1","action":"revoke"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[consentResponse](t, rec)
	assert.False(t, resp.Granted)
	assert.Len(t, resp.History, 2)

	rec = do(t, srv, "POST", "/recommendations/u1/generate", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, "POST", "/consent", `{"user_id":"u1","action":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, srv, "POST", "/consent", `{"user_id":"ghost","action":"grant"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, "GET", "/consent/u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPersonaEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/personas/u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, "POST", "/personas/u1?window_days=30", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pa := decode[database.PersonaAssignment](t, rec)
	assert.Equal(t, database.PersonaHighUtilization, pa.Persona)
	assert.InDelta(t, 0.95, pa.Confidence, 1e-9)

	rec = do(t, srv, "GET", "/personas/u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRecommendationRendersSanitizedHTML(t *testing.T) {
	srv, _, _ := newTestServer(t)
	out := generate(t, srv)
	id := out.Recommendations[0].ID

	rec := do(t, srv, "GET", "/recommendation/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[map[string]any](t, rec)
	html := view["body_html"].(string)
	assert.Contains(t, html, "<strong>start small</strong>")
	assert.Contains(t, html, guardrail.Disclosure)
	assert.Equal(t, false, view["visible"])

	body := `{"operator_id":"op1","reason":"demo","new_body":"You can save <script>alert(1)</script> more"}`
	rec = do(t, srv, "POST", "/operator/recommendations/"+id+"/override", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, "GET", "/recommendation/"+id, "")
	view = decode[map[string]any](t, rec)
	assert.NotContains(t, view["body_html"], "<script>")
	assert.Equal(t, true, view["visible"])

	rec = do(t, srv, "GET", "/recommendation/rec_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	out := generate(t, srv)
	a, b := out.Recommendations[0].ID, out.Recommendations[1].ID

	rec := do(t, srv, "POST", "/operator/recommendations/"+a+"/approve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "operator id is required")

	req := httptest.NewRequest("POST", "/operator/recommendations/"+a+"/approve", nil)
	req.Header.Set(operatorHeader, "op1")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec = do(t, srv, "POST", "/operator/recommendations/"+a+"/approve", `{"operator_id":"op1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = do(t, srv, "POST", "/operator/recommendations/"+a+"/reject", `{"operator_id":"op1","reason":"oops"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, "POST", "/operator/recommendations/"+b+"/reject", `{"operator_id":"op1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, "POST", "/operator/recommendations/"+b+"/override",
		`{"operator_id":"op1","reason":"tone","new_body":"You're overspending"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, "POST", "/operator/recommendations/"+b+"/reject", `{"operator_id":"op1","reason":"duplicate"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, "GET", "/operator/recommendations/"+b+"/actions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Actions []database.OperatorAction `json:"actions"`
	}](t, rec)
	require.Len(t, history.Actions, 1)
	assert.Equal(t, database.ActionReject, history.Actions[0].ActionType)

	rec = do(t, srv, "GET", "/recommendations/u1?visible=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Recommendations []database.Recommendation `json:"recommendations"`
		Count           int                       `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, a, list.Recommendations[0].ID)

	rec = do(t, srv, "GET", "/operator/users/u1/actions", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, "GET", "/operator/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[database.Stats](t, rec)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 1, stats.Recommendations[database.StatusApproved])
}

func TestBulkApproveEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	out := generate(t, srv)

	body := `{"operator_id":"op1","recommendation_ids":["` + out.Recommendations[0].ID + `","rec_missing","` +
		out.Recommendations[1].ID + `"]}`
	rec := do(t, srv, "POST", "/operator/recommendations/bulk-approve", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[approval.BulkResult](t, rec)
	assert.Equal(t, 2, res.Approved)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Items[1].Success)
}

func TestListRecommendationsValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/recommendations/u1?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, srv, "GET", "/recommendations/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, srv, "GET", "/recommendations/u1?window_days=30", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListProducts(t *testing.T) {
	srv, db, _ := newTestServer(t)
	require.NoError(t, db.UpsertOffer(context.Background(), database.ProductOffer{
		OfferID: "o1", Name: "Card", Provider: "Acme", Category: "balance_transfer", MaxCreditUtilization: 1, Active: true,
	}))
	rec := do(t, srv, "GET", "/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestRenderMarkdownStripsUnsafeHTML(t *testing.T) {
	html := renderMarkdown("# Title\n\n<script>alert(1)</script>\n\n[link](javascript:alert(1))")
	assert.Contains(t, html, "<h1")
	assert.NotContains(t, html, "<script>")
	assert.NotContains(t, html, "javascript:")
}

func TestReviewQueue(t *testing.T) {
	srv, _, _ := newTestServer(t)
	out := generate(t, srv)

	rec := do(t, srv, "GET", "/operator/review", "")
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[map[string]any](t, rec)
	assert.EqualValues(t, len(out.Recommendations), d["pending"])
	assert.Contains(t, d["markdown"], "## u1 (high_utilization, 30 days)")

	rec = do(t, srv, "GET", "/operator/review?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<h2")
}
