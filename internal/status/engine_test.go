package status

import (
	"errors"
	"testing"
	"time"

	"civicsync/internal/models"
)

// workerAllowed and adminAllowed enumerate the full legality tables. Every
// (from, to) pair not listed must be rejected.
var workerAllowed = map[models.Status][]models.Status{
	models.StatusAcknowledged: {models.StatusInProgress, models.StatusResolved},
	models.StatusInProgress:   {models.StatusResolved},
}

var adminAllowed = map[models.Status][]models.Status{
	models.StatusPending:      {models.StatusAcknowledged, models.StatusInProgress, models.StatusResolved, models.StatusClosed},
	models.StatusAcknowledged: {models.StatusInProgress, models.StatusResolved, models.StatusClosed},
	models.StatusInProgress:   {models.StatusResolved, models.StatusClosed},
	models.StatusResolved:     {models.StatusClosed, models.StatusInProgress},
}

func contains(set []models.Status, s models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func TestCanTransitionFullTable(t *testing.T) {
	engine := NewEngine()

	cases := []struct {
		role  models.Role
		table map[models.Status][]models.Status
	}{
		{models.RoleWorker, workerAllowed},
		{models.RoleAdmin, adminAllowed},
	}

	for _, tc := range cases {
		for _, from := range models.Statuses {
			for _, to := range models.Statuses {
				want := contains(tc.table[from], to)
				got := engine.CanTransition(tc.role, from, to)
				if got != want {
					t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tc.role, from, to, got, want)
				}
			}
		}
	}
}

func TestCitizenCannotTransition(t *testing.T) {
	engine := NewEngine()
	for _, from := range models.Statuses {
		for _, to := range models.Statuses {
			if engine.CanTransition(models.RoleCitizen, from, to) {
				t.Errorf("citizen allowed %s -> %s", from, to)
			}
		}
	}
}

func TestValidateNotes(t *testing.T) {
	engine := NewEngine()

	cases := []struct {
		to      models.Status
		notes   string
		wantErr bool
	}{
		{models.StatusInProgress, "", false},
		{models.StatusAcknowledged, "", false},
		{models.StatusResolved, "", true},
		{models.StatusResolved, "   ", true},
		{models.StatusResolved, "Fixed pothole", false},
		{models.StatusClosed, "", true},
		{models.StatusClosed, "verified on site", false},
	}
	for _, tc := range cases {
		err := engine.Validate(tc.to, tc.notes)
		if tc.wantErr && !errors.Is(err, ErrMissingNotes) {
			t.Errorf("Validate(%s, %q) = %v, want ErrMissingNotes", tc.to, tc.notes, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("Validate(%s, %q) = %v, want nil", tc.to, tc.notes, err)
		}
	}
}

func TestApplyRejectsWithoutMutation(t *testing.T) {
	engine := NewEngine()
	report := models.Report{ID: "r1", Status: models.StatusInProgress}
	worker := models.User{ID: "w1", Role: models.RoleWorker}

	// Illegal jump for a worker.
	got, entry, err := engine.Apply(report, models.StatusClosed, "done", worker)
	if !IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if got.Status != models.StatusInProgress || entry.ReportID != "" {
		t.Fatalf("rejected apply mutated report or produced an entry")
	}

	// Legal move, missing notes.
	got, entry, err = engine.Apply(report, models.StatusResolved, "", worker)
	if !errors.Is(err, ErrMissingNotes) {
		t.Fatalf("expected ErrMissingNotes, got %v", err)
	}
	if got.Status != models.StatusInProgress || entry.ReportID != "" {
		t.Fatalf("rejected apply mutated report or produced an entry")
	}
}

func TestApplyNoOpTransitionIsIllegal(t *testing.T) {
	engine := NewEngine()
	report := models.Report{ID: "r1", Status: models.StatusResolved}
	admin := models.User{ID: "a1", Role: models.RoleAdmin}

	_, _, err := engine.Apply(report, models.StatusResolved, "already done", admin)
	if !IsIllegalTransition(err) {
		t.Fatalf("expected no-op transition to be illegal, got %v", err)
	}
}

func TestApplyResolveSetsResolvedAt(t *testing.T) {
	engine := NewEngine()
	report := models.Report{ID: "r1", Status: models.StatusInProgress}
	worker := models.User{ID: "w1", Role: models.RoleWorker}

	updated, entry, err := engine.Apply(report, models.StatusResolved, "Fixed pothole", worker)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Status != models.StatusResolved {
		t.Fatalf("status = %s, want resolved", updated.Status)
	}
	if updated.ResolvedAt == nil {
		t.Fatalf("ResolvedAt not set on resolve")
	}
	if entry.OldStatus != models.StatusInProgress || entry.NewStatus != models.StatusResolved {
		t.Fatalf("history entry = %+v", entry)
	}
	if entry.ChangedBy != "w1" || entry.Notes != "Fixed pothole" {
		t.Fatalf("history attribution = %+v", entry)
	}
}

func TestApplyReopenClearsResolvedAt(t *testing.T) {
	engine := NewEngine()
	resolved := time.Now().UTC()
	report := models.Report{ID: "r1", Status: models.StatusResolved, ResolvedAt: &resolved}
	admin := models.User{ID: "a1", Role: models.RoleAdmin}

	updated, _, err := engine.Apply(report, models.StatusInProgress, "", admin)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if updated.Status != models.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", updated.Status)
	}
	if updated.ResolvedAt != nil {
		t.Fatalf("ResolvedAt should be cleared on reopen")
	}
}

func TestApplyCloseKeepsResolvedAt(t *testing.T) {
	engine := NewEngine()
	resolved := time.Now().UTC().Add(-time.Hour)
	report := models.Report{ID: "r1", Status: models.StatusResolved, ResolvedAt: &resolved}
	admin := models.User{ID: "a1", Role: models.RoleAdmin}

	updated, _, err := engine.Apply(report, models.StatusClosed, "verified", admin)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if updated.ResolvedAt == nil || !updated.ResolvedAt.Equal(resolved) {
		t.Fatalf("ResolvedAt changed on close: %v", updated.ResolvedAt)
	}
}
