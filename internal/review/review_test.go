package review

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/finpilot/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func insert(t *testing.T, db *database.DB, r database.Recommendation) {
	t.Helper()
	r.GeneratedAt = time.Now()
	if r.WindowDays == 0 {
		r.WindowDays = 30
	}
	if r.ContentType == "" {
		r.ContentType = database.ContentEducation
	}
	if err := db.InsertRecommendation(context.Background(), &r); err != nil {
		t.Fatalf("inserting %s: %v", r.ID, err)
	}
}

func TestBuildDigest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, u := range []string{"u1", "u2"} {
		if err := db.UpsertUser(ctx, database.User{UserID: u}); err != nil {
			t.Fatal(err)
		}
	}

	insert(t, db, database.Recommendation{
		ID: "rec_b1", UserID: "u2", PersonaType: database.PersonaSavingsBuilder,
		Title: "Automate savings", Body: ptr("You can set up a transfer."), Rationale: "net inflow positive",
		Status: database.StatusPendingApproval,
	})
	insert(t, db, database.Recommendation{
		ID: "rec_a1", UserID: "u1", PersonaType: database.PersonaHighUtilization,
		Title: "Lower utilization", Body: ptr("Pay down the highest balance."), Rationale: "max utilization 82%",
		Status: database.StatusPendingApproval,
		Metadata: database.Metadata{ValidationWarnings: []database.Warning{{
			Severity: database.SeverityNotable, Category: "lacks_empowering_language", Message: "no empowering phrase",
		}}},
	})
	insert(t, db, database.Recommendation{
		ID: "rec_a2", UserID: "u1", PersonaType: database.PersonaHighUtilization,
		ContentType: database.ContentPartnerOffer,
		Title:       "Balance transfer card", Body: ptr("You can move a balance."), Rationale: "eligible",
		Status: database.StatusPendingApproval,
		Metadata: database.Metadata{PartnerOffer: &database.PartnerOfferData{
			OfferID: "bt-01", Provider: "Acme", EligibilityReason: "utilization above 50%",
		}},
	})
	insert(t, db, database.Recommendation{
		ID: "rec_done", UserID: "u1", PersonaType: database.PersonaHighUtilization,
		Title: "Already approved", Rationale: "x", Status: database.StatusApproved,
	})

	d, err := Build(ctx, db, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Pending != 3 || d.Users != 2 {
		t.Errorf("pending/users = %d/%d, want 3/2", d.Pending, d.Users)
	}

	md := d.Markdown
	if strings.Contains(md, "Already approved") {
		t.Error("approved recommendation should not be in the queue")
	}
	u1 := strings.Index(md, "## u1 (high_utilization, 30 days)")
	u2 := strings.Index(md, "## u2 (savings_builder, 30 days)")
	if u1 < 0 || u2 < 0 || u1 > u2 {
		t.Errorf("expected u1 section before u2 section:\n%s", md)
	}
	for _, want := range []string{
		"### Lower utilization",
		"**Rationale:** max utilization 82%",
		"- [notable] lacks_empowering_language: no empowering phrase",
		"**Offer:** bt-01 from Acme (utilization above 50%)",
		"`rec_a2` · partner_offer",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("digest missing %q", want)
		}
	}
	if strings.Count(md, "\n---\n") != 1 {
		t.Errorf("expected one separator between user sections")
	}
}

func TestBuildDigestEmpty(t *testing.T) {
	db := openTestDB(t)
	d, err := Build(context.Background(), db, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Markdown != emptyQueue || d.Pending != 0 {
		t.Errorf("got %+v", d)
	}
}

func TestBuildDigestOtherWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.UpsertUser(ctx, database.User{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	insert(t, db, database.Recommendation{
		ID: "rec_180", UserID: "u1", PersonaType: database.PersonaSavingsBuilder, WindowDays: 180,
		Title: "Long view", Rationale: "x", Status: database.StatusPendingApproval,
	})

	d, _ := Build(ctx, db, 30)
	if d.Pending != 0 {
		t.Errorf("30-day digest should not include 180-day items")
	}
	d, _ = Build(ctx, db, 0)
	if d.Pending != 1 {
		t.Errorf("all-window digest pending = %d, want 1", d.Pending)
	}
}
