package recommend

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/guardrail"
	"github.com/TobiSchelling/finpilot/internal/llm"
	"github.com/TobiSchelling/finpilot/internal/logger"
	"github.com/TobiSchelling/finpilot/internal/persona"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingGenerator struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (g *countingGenerator) Generate(ctx context.Context, p string, gc llm.GenerationContext) ([]llm.Candidate, error) {
	g.calls.Add(1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return []llm.Candidate{
		{Title: "Pay down the highest rate card", Body: "You can target the card with the highest APR first", Rationale: "max_utilization is 85%"},
		{Title: "Set up autopay", Body: "Consider autopay above the minimum payment", Rationale: "minimum_payment_only is true"},
	}, nil
}

type fixture struct {
	db  *database.DB
	gen *countingGenerator
	svc *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
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
		UserID:             "u1",
		WindowDays:         30,
		AvgUtilization:     0.6,
		MaxUtilization:     0.85,
		MinimumPaymentOnly: true,
		AvgMonthlyIncome:   4200,
	}))

	gen := &countingGenerator{}
	log := logger.Nop()
	pipeline := guardrail.NewPipeline(db, gen, nil, log)
	svc := NewService(db, persona.NewService(db, log), pipeline, nil, opts, log)
	return &fixture{db: db, gen: gen, svc: svc}
}

func ids(recs []database.Recommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	sort.Strings(out)
	return out
}

func TestGetOrGenerateThenCached(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.svc.GetOrGenerate(ctx, "u1", 30, false)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, database.PersonaHighUtilization, first.Persona)
	require.Len(t, first.Recommendations, 2)
	for _, r := range first.Recommendations {
		assert.Regexp(t, `^rec_[0-9a-f]{16}$`, r.ID)
		assert.Equal(t, database.StatusPendingApproval, r.Status)
		require.NotNil(t, r.Body)
		assert.True(t, guardrail.HasDisclosure(*r.Body))
		require.NotNil(t, r.GenerationLatencyMS)
	}

	second, err := f.svc.GetOrGenerate(ctx, "u1", 30, false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, ids(first.Recommendations), ids(second.Recommendations))
	assert.Equal(t, int32(1), f.gen.calls.Load())

	runs, err := f.db.GenerationRuns(ctx, Fingerprint("u1", 30))
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.False(t, runs[0].Cached)
	assert.True(t, runs[1].Cached)

	// The persona was assigned on the way.
	pa, err := f.db.GetPersona(ctx, "u1", 30)
	require.NoError(t, err)
	assert.Equal(t, database.PersonaHighUtilization, pa.Persona)
}

func TestGetOrGenerateConsentDenied(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.GetOrGenerate(ctx, "u2", 30, false)
	assert.Equal(t, apperr.KindConsentDenied, apperr.KindOf(err))

	_, err = f.svc.GetOrGenerate(ctx, "nobody", 30, false)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	assert.Equal(t, int32(0), f.gen.calls.Load())
	recs, err := f.db.ListRecommendations(ctx, database.RecommendationFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGetOrGenerateRevokedConsentHidesCache(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.GetOrGenerate(ctx, "u1", 30, false)
	require.NoError(t, err)
	require.NoError(t, f.db.SetConsent(ctx, "u1", false, time.Now()))

	_, err = f.svc.GetOrGenerate(ctx, "u1", 30, false)
	assert.Equal(t, apperr.KindConsentDenied, apperr.KindOf(err))
}

func TestGetOrGenerateForceRegenerates(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.svc.GetOrGenerate(ctx, "u1", 30, false)
	require.NoError(t, err)
	forced, err := f.svc.GetOrGenerate(ctx, "u1", 30, true)
	require.NoError(t, err)

	assert.False(t, forced.Cached)
	assert.NotEqual(t, ids(first.Recommendations), ids(forced.Recommendations))
	assert.Equal(t, int32(2), f.gen.calls.Load())

	// Earlier pending rows stay in place.
	pending, err := f.db.PendingForFingerprint(ctx, "u1", 30)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestGetOrGenerateWithoutSignalsUsesFallback(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	out, err := f.svc.GetOrGenerate(ctx, "u1", 180, false)
	require.NoError(t, err)
	assert.Equal(t, persona.FallbackPersona, out.Persona)
}

func TestConcurrentCallsGenerateOnce(t *testing.T) {
	f := newFixture(t, Options{PollInterval: 10 * time.Millisecond})
	f.gen.delay = 100 * time.Millisecond
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Outcome, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.GetOrGenerate(ctx, "u1", 30, false)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids(results[0].Recommendations), ids(results[i].Recommendations))
	}
	assert.Equal(t, int32(1), f.gen.calls.Load())

	recs, err := f.db.ListRecommendations(ctx, database.RecommendationFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCanceledCallerDoesNotAbortJoinedCaller(t *testing.T) {
	f := newFixture(t, Options{PollInterval: 10 * time.Millisecond})
	f.gen.delay = 200 * time.Millisecond

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.GetOrGenerate(firstCtx, "u1", 30, false)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	secondOut := make(chan *Outcome, 1)
	secondErr := make(chan error, 1)
	go func() {
		out, err := f.svc.GetOrGenerate(context.Background(), "u1", 30, false)
		secondOut <- out
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	out := <-secondOut
	require.NoError(t, <-secondErr)
	require.NotNil(t, out)
	assert.False(t, out.Cached)
	assert.Len(t, out.Recommendations, 2)
	assert.Equal(t, int32(1), f.gen.calls.Load())
}

func TestWaitsForForeignClaim(t *testing.T) {
	f := newFixture(t, Options{PollInterval: 10 * time.Millisecond, WaitTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	// Another process holds the claim and never finishes.
	ok, err := f.db.TryClaim(ctx, Fingerprint("u1", 30), "other-process", time.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.GetOrGenerate(ctx, "u1", 30, false)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.SubtypeTimeout, ae.Subtype)
	assert.Equal(t, int32(0), f.gen.calls.Load())
}

func TestGeneratorFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.err = apperr.External(apperr.SubtypeUnavailable, nil, "provider down")
	ctx := context.Background()

	_, err := f.svc.GetOrGenerate(ctx, "u1", 30, false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))

	ok, err := f.db.TryClaim(ctx, Fingerprint("u1", 30), "other-worker", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim should be free after a failed generation")

	recs, err := f.db.ListRecommendations(ctx, database.RecommendationFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGetOrGenerateRejectsBadWindow(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.GetOrGenerate(context.Background(), "u1", 0, false)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestNewRecommendationIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for range 100 {
		id := NewRecommendationID()
		assert.Len(t, id, 20)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
