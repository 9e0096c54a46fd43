package query

import (
	"testing"
	"time"

	"radflow/internal/clock"
	"radflow/internal/status"
)

var biz = clock.MustNew("+05:30")

func TestDefaultRangeIdenticalAcrossRoles(t *testing.T) {
	now := time.Date(2024, 3, 15, 4, 30, 0, 0, time.UTC) // 10:00 +05:30
	admin, err := Build(RoleAdmin, "", Filters{}, biz, now)
	if err != nil {
		t.Fatal(err)
	}
	lab, err := Build(RoleLab, "", Filters{}, biz, now)
	if err != nil {
		t.Fatal(err)
	}
	rev, err := Build(RoleReviewer, "dr-rao", Filters{}, biz, now)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2024, 3, 14, 18, 30, 0, 0, time.UTC)
	wantEnd := time.Date(2024, 3, 15, 18, 29, 59, 999000000, time.UTC)
	for name, p := range map[string]Predicate{"admin": admin, "lab": lab, "reviewer": rev} {
		if !p.Start.Equal(wantStart) || !p.End.Equal(wantEnd) {
			t.Errorf("%s default range = [%s, %s], want today in business tz", name, p.Start, p.End)
		}
	}
}

func TestReviewerScope(t *testing.T) {
	p, err := Build(RoleReviewer, "dr-rao", Filters{}, biz, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if p.ReviewerID != "dr-rao" {
		t.Fatalf("reviewer id = %q", p.ReviewerID)
	}
	if _, err := Build(RoleReviewer, " ", Filters{}, biz, time.Now()); err == nil {
		t.Fatal("expected error for reviewer role without id")
	}
	// admin never carries a reviewer restriction, even if one is passed
	p, err = Build(RoleAdmin, "dr-rao", Filters{}, biz, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if p.ReviewerID != "" {
		t.Fatal("admin predicate must not be reviewer-scoped")
	}
}

func TestCategoryStatusesComeFromRegistry(t *testing.T) {
	p, err := Build(RoleAdmin, "", Filters{Category: status.CategoryPending}, biz, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	want := status.StatusesIn(status.CategoryPending)
	if len(p.Statuses) != len(want) {
		t.Fatalf("got %d statuses, want %d", len(p.Statuses), len(want))
	}
	for i, s := range want {
		if p.Statuses[i] != s {
			t.Fatalf("statuses[%d] = %s, want %s", i, p.Statuses[i], s)
		}
	}
	if _, err := Build(RoleAdmin, "", Filters{Category: "weird"}, biz, time.Now()); err == nil {
		t.Fatal("expected unknown category error")
	}
}

func TestAssignedDateField(t *testing.T) {
	p, err := Build(RoleLab, "", Filters{DateField: DateAssigned, Preset: clock.PresetYesterday}, biz, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if p.DateField != DateAssigned {
		t.Fatalf("date field = %s", p.DateField)
	}
	if _, err := Build(RoleLab, "", Filters{DateField: "createdDate"}, biz, time.Now()); err == nil {
		t.Fatal("expected unknown date field error")
	}
}

func TestCustomRange(t *testing.T) {
	p, err := Build(RoleAdmin, "", Filters{CustomStart: "2024-03-01", CustomEnd: "2024-03-02"}, biz, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if p.Start.IsZero() || p.End.Before(p.Start) {
		t.Fatalf("bad custom range [%s, %s]", p.Start, p.End)
	}
	if _, err := Build(RoleAdmin, "", Filters{Preset: clock.PresetToday, CustomStart: "2024-03-01", CustomEnd: "2024-03-02"}, biz, time.Now()); err == nil {
		t.Fatal("expected preset/custom conflict error")
	}
}

func TestStableSortOrder(t *testing.T) {
	p, err := Build(RoleAdmin, "", Filters{}, biz, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Sort) != 2 || p.Sort[0].Field != "assigned_at" || !p.Sort[0].Descending ||
		p.Sort[1].Field != "received_at" || !p.Sort[1].Descending {
		t.Fatalf("unexpected sort order: %+v", p.Sort)
	}
}
