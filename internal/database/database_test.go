package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func seedUser(t *testing.T, db *DB, id string, consent bool) {
	t.Helper()
	ctx := context.Background()
	if err := db.UpsertUser(ctx, User{UserID: id, FullName: "Test " + id, Email: id + "@example.com"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if consent {
		if err := db.SetConsent(ctx, id, true, time.Now()); err != nil {
			t.Fatalf("SetConsent: %v", err)
		}
	}
}

func testRecommendation(id, userID string) *Recommendation {
	return &Recommendation{
		ID:          id,
		UserID:      userID,
		PersonaType: PersonaSavingsBuilder,
		WindowDays:  30,
		ContentType: ContentEducation,
		Title:       "Build an emergency fund",
		Body:        ptr("Body text."),
		Rationale:   "net_savings_inflow = 250.00",
		Status:      StatusPendingApproval,
		GeneratedAt: time.Now(),
	}
}

func TestGetUserNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetUser(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsentHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)

	// Re-granting is a no-op.
	if err := db.SetConsent(ctx, "u1", true, time.Now()); err != nil {
		t.Fatalf("SetConsent: %v", err)
	}
	if err := db.SetConsent(ctx, "u1", false, time.Now()); err != nil {
		t.Fatalf("SetConsent: %v", err)
	}

	c, err := db.GetConsent(ctx, "u1")
	if err != nil {
		t.Fatalf("GetConsent: %v", err)
	}
	if c.Granted {
		t.Error("expected consent revoked")
	}
	if len(c.History) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(c.History))
	}
	if c.History[0].Action != "granted" || c.History[1].Action != "revoked" {
		t.Errorf("unexpected history order: %+v", c.History)
	}
}

func TestSignalsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)

	gap := 60
	sig := UserSignals{UserID: "u1", WindowDays: 30, MaxUtilization: 0.85, MedianPayGapDays: &gap}
	if err := db.UpsertSignals(ctx, sig); err != nil {
		t.Fatalf("UpsertSignals: %v", err)
	}
	sig.MaxUtilization = 0.4
	if err := db.UpsertSignals(ctx, sig); err != nil {
		t.Fatalf("UpsertSignals (update): %v", err)
	}

	got, err := db.GetSignals(ctx, "u1", 30)
	if err != nil {
		t.Fatalf("GetSignals: %v", err)
	}
	if got.MaxUtilization != 0.4 {
		t.Errorf("expected updated utilization 0.4, got %v", got.MaxUtilization)
	}
	if got.MedianPayGapDays == nil || *got.MedianPayGapDays != 60 {
		t.Errorf("expected pay gap 60, got %v", got.MedianPayGapDays)
	}

	if _, err := db.GetSignals(ctx, "u1", 180); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other window, got %v", err)
	}

	ids, err := db.UsersWithSignals(ctx, 30)
	if err != nil {
		t.Fatalf("UsersWithSignals: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("expected [u1], got %v", ids)
	}
}

func TestPersonaUpsertOverwrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)

	pa := &PersonaAssignment{UserID: "u1", WindowDays: 30, Persona: PersonaHighUtilization, Confidence: 0.95, AssignedAt: time.Now()}
	if err := db.UpsertPersona(ctx, pa); err != nil {
		t.Fatalf("UpsertPersona: %v", err)
	}
	pa.Persona = PersonaSavingsBuilder
	pa.Confidence = 0.7
	pa.Reasoning = Reasoning{Reason: "matched savings_builder"}
	if err := db.UpsertPersona(ctx, pa); err != nil {
		t.Fatalf("UpsertPersona (overwrite): %v", err)
	}

	got, err := db.GetPersona(ctx, "u1", 30)
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if got.Persona != PersonaSavingsBuilder || got.Confidence != 0.7 {
		t.Errorf("expected overwritten assignment, got %+v", got)
	}
	if got.Reasoning.Reason != "matched savings_builder" {
		t.Errorf("unexpected reasoning %q", got.Reasoning.Reason)
	}
}

func TestRecommendationInsertAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)

	rec := testRecommendation("rec_0000000000000001", "u1")
	if err := db.InsertRecommendation(ctx, rec); err != nil {
		t.Fatalf("InsertRecommendation: %v", err)
	}

	got, err := db.GetRecommendation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecommendation: %v", err)
	}
	if got.Title != rec.Title || *got.Body != *rec.Body {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Metadata.ValidationWarnings == nil {
		t.Error("expected empty, non-nil validation warnings")
	}
	if got.OriginalContent != nil {
		t.Error("expected no original content")
	}
	if !got.GeneratedAt.Equal(rec.GeneratedAt.UTC()) {
		t.Errorf("generated_at mismatch: %v vs %v", got.GeneratedAt, rec.GeneratedAt)
	}
}

func TestRecommendationEmptyRationaleRejected(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, "u1", true)

	rec := testRecommendation("rec_0000000000000001", "u1")
	rec.Rationale = ""
	if err := db.InsertRecommendation(context.Background(), rec); err == nil {
		t.Error("expected CHECK constraint failure for empty rationale")
	}
}

func TestUpdateRecommendation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)

	rec := testRecommendation("rec_0000000000000001", "u1")
	if err := db.InsertRecommendation(ctx, rec); err != nil {
		t.Fatalf("InsertRecommendation: %v", err)
	}

	now := time.Now()
	rec.Status = StatusOverridden
	rec.OverrideReason = ptr("clearer wording")
	rec.OriginalContent = &OriginalContent{OriginalTitle: rec.Title, OriginalBody: rec.Body, OverriddenAt: now}
	rec.Title = "New title"
	if err := db.UpdateRecommendation(ctx, rec); err != nil {
		t.Fatalf("UpdateRecommendation: %v", err)
	}

	got, err := db.GetRecommendation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecommendation: %v", err)
	}
	if got.Status != StatusOverridden || got.Title != "New title" {
		t.Errorf("update not applied: %+v", got)
	}
	if got.OriginalContent == nil || got.OriginalContent.OriginalTitle != "Build an emergency fund" {
		t.Errorf("expected original snapshot, got %+v", got.OriginalContent)
	}

	missing := testRecommendation("rec_missing", "u1")
	if err := db.UpdateRecommendation(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecommendationsFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)
	seedUser(t, db, "u2", true)

	statuses := []string{StatusPendingApproval, StatusApproved, StatusOverridden, StatusRejected}
	for i, st := range statuses {
		rec := testRecommendation("rec_u1_"+st, "u1")
		rec.Status = st
		rec.GeneratedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := db.InsertRecommendation(ctx, rec); err != nil {
			t.Fatalf("InsertRecommendation: %v", err)
		}
	}
	if err := db.InsertRecommendation(ctx, testRecommendation("rec_u2", "u2")); err != nil {
		t.Fatalf("InsertRecommendation: %v", err)
	}

	pending, err := db.PendingForFingerprint(ctx, "u1", 30)
	if err != nil {
		t.Fatalf("PendingForFingerprint: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "rec_u1_pending_approval" {
		t.Errorf("unexpected pending set: %v", pending)
	}

	visible, err := db.ListRecommendations(ctx, RecommendationFilter{UserID: "u1", VisibleOnly: true})
	if err != nil {
		t.Fatalf("ListRecommendations: %v", err)
	}
	if len(visible) != 2 {
		t.Errorf("expected 2 visible recommendations, got %d", len(visible))
	}
	for _, r := range visible {
		if !r.Visible() {
			t.Errorf("recommendation %s with status %s should not be listed as visible", r.ID, r.Status)
		}
	}

	all, err := db.ListRecommendations(ctx, RecommendationFilter{})
	if err != nil {
		t.Fatalf("ListRecommendations: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 recommendations, got %d", len(all))
	}
}

func TestActionsAppendOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)
	rec := testRecommendation("rec_0000000000000001", "u1")
	if err := db.InsertRecommendation(ctx, rec); err != nil {
		t.Fatalf("InsertRecommendation: %v", err)
	}

	for _, typ := range []string{ActionOverride, ActionApprove} {
		a := &OperatorAction{OperatorID: "op1", ActionType: typ, RecommendationID: rec.ID, UserID: "u1", Timestamp: time.Now()}
		if _, err := db.InsertAction(ctx, a); err != nil {
			t.Fatalf("InsertAction: %v", err)
		}
		if a.ID == 0 {
			t.Error("expected action id to be set")
		}
	}

	history, err := db.ActionsForRecommendation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ActionsForRecommendation: %v", err)
	}
	if len(history) != 2 || history[0].ActionType != ActionOverride || history[1].ActionType != ActionApprove {
		t.Errorf("unexpected history: %+v", history)
	}

	byUser, err := db.ActionsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ActionsForUser: %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("expected 2 actions for user, got %d", len(byUser))
	}

	none, err := db.ActionsForRecommendation(ctx, "rec_none")
	if err != nil {
		t.Fatalf("ActionsForRecommendation: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", none)
	}
}

func TestInTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)

	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *Tx) error {
		if err := tx.InsertRecommendation(ctx, testRecommendation("rec_tx", "u1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := db.GetRecommendation(ctx, "rec_tx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rolled back insert, got %v", err)
	}
}

func TestSavepointRollsBackOnlyItsWork(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)

	err := db.InTx(ctx, func(tx *Tx) error {
		if err := tx.Savepoint(ctx, "item_0", func() error {
			return tx.InsertRecommendation(ctx, testRecommendation("rec_keep", "u1"))
		}); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, "item_1", func() error {
			if err := tx.InsertRecommendation(ctx, testRecommendation("rec_drop", "u1")); err != nil {
				return err
			}
			return errors.New("item failed")
		})
		if spErr == nil {
			t.Error("expected savepoint error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	if _, err := db.GetRecommendation(ctx, "rec_keep"); err != nil {
		t.Errorf("expected rec_keep committed: %v", err)
	}
	if _, err := db.GetRecommendation(ctx, "rec_drop"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rec_drop rolled back, got %v", err)
	}
}

func TestTryClaim(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := db.TryClaim(ctx, "u1:30", "a", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed: ok=%v err=%v", ok, err)
	}
	ok, err = db.TryClaim(ctx, "u1:30", "b", now.Add(time.Second), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected live claim to block: ok=%v err=%v", ok, err)
	}
	ok, err = db.TryClaim(ctx, "u1:30", "b", now.Add(2*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected expired claim takeover: ok=%v err=%v", ok, err)
	}

	// Former owner cannot release the new owner's claim.
	if err := db.ReleaseClaim(ctx, "u1:30", "a"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	ok, _ = db.TryClaim(ctx, "u1:30", "c", now.Add(2*time.Minute+time.Second), time.Minute)
	if ok {
		t.Error("expected claim still held by b")
	}

	if err := db.ReleaseClaim(ctx, "u1:30", "b"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	ok, _ = db.TryClaim(ctx, "u1:30", "c", now.Add(2*time.Minute+time.Second), time.Minute)
	if !ok {
		t.Error("expected claim free after release")
	}
}

func TestOffersAndStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "u1", true)
	seedUser(t, db, "u2", false)

	offers := []ProductOffer{
		{OfferID: "o1", Name: "HYSA", Category: "savings_account", TargetPersonas: []string{PersonaSavingsBuilder}, MaxCreditUtilization: 1, Active: true},
		{OfferID: "o2", Name: "Old", Category: "budgeting_app", MaxCreditUtilization: 1, Active: false},
	}
	for _, o := range offers {
		if err := db.UpsertOffer(ctx, o); err != nil {
			t.Fatalf("UpsertOffer: %v", err)
		}
	}
	active, err := db.ActiveOffers(ctx)
	if err != nil {
		t.Fatalf("ActiveOffers: %v", err)
	}
	if len(active) != 1 || active[0].OfferID != "o1" || active[0].TargetPersonas[0] != PersonaSavingsBuilder {
		t.Errorf("unexpected active offers: %+v", active)
	}

	if err := db.InsertRecommendation(ctx, testRecommendation("rec_1", "u1")); err != nil {
		t.Fatalf("InsertRecommendation: %v", err)
	}
	if err := db.InsertGenerationRun(ctx, GenerationRun{Fingerprint: "u1:30", RecommendationCount: 1, LatencyMS: 12}); err != nil {
		t.Fatalf("InsertGenerationRun: %v", err)
	}
	runs, err := db.GenerationRuns(ctx, "u1:30")
	if err != nil || len(runs) != 1 || runs[0].Cached {
		t.Fatalf("unexpected runs %+v (err %v)", runs, err)
	}

	st, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.TotalUsers != 2 || st.UsersWithConsent != 1 {
		t.Errorf("unexpected user counts: %+v", st)
	}
	if st.Recommendations[StatusPendingApproval] != 1 {
		t.Errorf("expected 1 pending recommendation, got %v", st.Recommendations)
	}
}
