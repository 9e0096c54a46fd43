package status

import "testing"

func TestCategoryCompleteness(t *testing.T) {
	all := StatusesIn(CategoryAll)
	union := map[Status]int{}
	for _, c := range []Category{CategoryPending, CategoryInProgress, CategoryCompleted} {
		for _, s := range StatusesIn(c) {
			union[s]++
		}
	}
	if len(union) != len(all) {
		t.Fatalf("union has %d statuses, all has %d", len(union), len(all))
	}
	for _, s := range all {
		if union[s] != 1 {
			t.Fatalf("status %s appears in %d categories", s, union[s])
		}
	}
	for s := range union {
		if CategoryOf(s) == "" {
			t.Fatalf("status %s uncategorized", s)
		}
	}
}

func TestArchivedExcludedFromAll(t *testing.T) {
	for _, s := range StatusesIn(CategoryAll) {
		if s == Archived {
			t.Fatal("archived must not be part of the all view")
		}
	}
}

func TestForwardTransitions(t *testing.T) {
	valid := [][2]Status{
		{Received, PendingAssignment},
		{Received, Assigned},
		{PendingAssignment, Assigned},
		{Assigned, ReportOpened},
		{Assigned, ReportInProgress},
		{ReportOpened, ReportInProgress},
		{ReportInProgress, ReportDrafted},
		{ReportDrafted, ReportUploaded},
		{ReportUploaded, ReportFinalized},
		{ReportDrafted, ReportFinalized},
		{ReportFinalized, FinalReportDownloaded},
	}
	for _, pair := range valid {
		if !IsValidTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be legal", pair[0], pair[1])
		}
	}
	invalid := [][2]Status{
		{Received, ReportFinalized},
		{Assigned, Received},
		{FinalReportDownloaded, Received},
		{ReportFinalized, Assigned},
		{Archived, Received},
		{Received, Status("bogus")},
		{Status("bogus"), Assigned},
	}
	for _, pair := range invalid {
		if IsValidTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be illegal", pair[0], pair[1])
		}
	}
}

func TestArchiveReachableFromEverywhere(t *testing.T) {
	for _, s := range All() {
		if s == Archived {
			if IsValidTransition(s, Archived) {
				t.Fatal("archived -> archived must be illegal")
			}
			continue
		}
		if !IsValidTransition(s, Archived) {
			t.Errorf("expected %s -> archived to be legal", s)
		}
	}
}

func TestMilestoneMapping(t *testing.T) {
	cases := map[Status]Milestone{
		Received:              MilestoneReceived,
		Assigned:              MilestoneFirstAssigned,
		ReportOpened:          MilestoneReportStarted,
		ReportInProgress:      MilestoneReportStarted,
		ReportFinalized:       MilestoneReportFinal,
		FinalReportDownloaded: MilestoneFirstDownload,
	}
	for s, want := range cases {
		got, ok := MilestoneFor(s)
		if !ok || got != want {
			t.Errorf("milestone for %s: got %s ok=%v, want %s", s, got, ok, want)
		}
	}
	if _, ok := MilestoneFor(PendingAssignment); ok {
		t.Error("pending_assignment must not stamp a milestone")
	}
}
