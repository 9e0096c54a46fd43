package tat

import (
	"testing"
	"time"

	"radflow/internal/domain"
	"radflow/internal/status"
)

var testSLA = SLA{AssignmentMinutes: 60, ReportingMinutes: 480, DownloadMinutes: 240}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func strPtr(s string) *string { return &s }

func TestFullPipelineScenario(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus:    string(status.FinalReportDownloaded),
		ReceivedAt:        ts(t0),
		FirstAssignedAt:   strPtr(ts(t0.Add(30 * time.Minute))),
		ReportFinalizedAt: strPtr(ts(t0.Add(4 * time.Hour))),
		FirstDownloadedAt: strPtr(ts(t0.Add(5 * time.Hour))),
	}
	snap := Compute(s, t0.Add(6*time.Hour), testSLA)
	checks := []struct {
		name string
		got  *int64
		want int64
	}{
		{"upload_to_assignment", snap.UploadToAssignmentMinutes, 30},
		{"assignment_to_report", snap.AssignmentToReportMinutes, 210},
		{"report_to_download", snap.ReportToDownloadMinutes, 60},
		{"total", snap.TotalMinutes, 300},
	}
	for _, c := range checks {
		if c.got == nil || *c.got != c.want {
			t.Errorf("%s = %v, want %d", c.name, c.got, c.want)
		}
	}
	if snap.IsOverdue || snap.OverduePhase != "" {
		t.Errorf("completed study must not be overdue, got %v %q", snap.IsOverdue, snap.OverduePhase)
	}
}

func TestNullFieldsWhenMilestonesUnset(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus: string(status.Received),
		ReceivedAt:     ts(t0),
	}
	snap := Compute(s, t0.Add(10*time.Minute), testSLA)
	if snap.UploadToAssignmentMinutes != nil || snap.AssignmentToReportMinutes != nil || snap.ReportToDownloadMinutes != nil {
		t.Fatal("phase metrics must be nil while milestones unset")
	}
	if snap.TotalMinutes != nil {
		t.Fatal("total must be nil with no completed phases")
	}
}

func TestPartialTotal(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus:  string(status.Assigned),
		ReceivedAt:      ts(t0),
		FirstAssignedAt: strPtr(ts(t0.Add(45 * time.Minute))),
	}
	snap := Compute(s, t0.Add(2*time.Hour), testSLA)
	if snap.TotalMinutes == nil || *snap.TotalMinutes != 45 {
		t.Fatalf("total = %v, want partial sum 45", snap.TotalMinutes)
	}
}

func TestOverdueAssignmentPhase(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus: string(status.PendingAssignment),
		ReceivedAt:     ts(t0),
	}
	snap := Compute(s, t0.Add(61*time.Minute), testSLA)
	if !snap.IsOverdue || snap.OverduePhase != string(PhaseAssignment) {
		t.Fatalf("expected assignment overdue, got %v %q", snap.IsOverdue, snap.OverduePhase)
	}
	snap = Compute(s, t0.Add(59*time.Minute), testSLA)
	if snap.IsOverdue {
		t.Fatal("not yet past SLA")
	}
}

func TestOverdueReportingPhase(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus:  string(status.ReportInProgress),
		ReceivedAt:      ts(t0),
		FirstAssignedAt: strPtr(ts(t0.Add(10 * time.Minute))),
	}
	snap := Compute(s, t0.Add(10*time.Minute+481*time.Minute), testSLA)
	if !snap.IsOverdue || snap.OverduePhase != string(PhaseReporting) {
		t.Fatalf("expected reporting overdue, got %v %q", snap.IsOverdue, snap.OverduePhase)
	}
}

func TestOverdueDownloadPhase(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus:    string(status.ReportFinalized),
		ReceivedAt:        ts(t0),
		FirstAssignedAt:   strPtr(ts(t0.Add(10 * time.Minute))),
		ReportFinalizedAt: strPtr(ts(t0.Add(2 * time.Hour))),
	}
	snap := Compute(s, t0.Add(2*time.Hour+241*time.Minute), testSLA)
	if !snap.IsOverdue || snap.OverduePhase != string(PhaseDownload) {
		t.Fatalf("expected download overdue, got %v %q", snap.IsOverdue, snap.OverduePhase)
	}
}

func TestArchivedNeverOverdue(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus: string(status.Archived),
		ReceivedAt:     ts(t0),
	}
	snap := Compute(s, t0.Add(100*time.Hour), testSLA)
	if snap.IsOverdue {
		t.Fatal("archived study must not be overdue")
	}
}

func TestNonNegativity(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s := domain.Study{
		WorkflowStatus:    string(status.FinalReportDownloaded),
		ReceivedAt:        ts(t0),
		FirstAssignedAt:   strPtr(ts(t0)),
		ReportFinalizedAt: strPtr(ts(t0)),
		FirstDownloadedAt: strPtr(ts(t0)),
	}
	snap := Compute(s, t0, testSLA)
	for name, v := range map[string]*int64{
		"upload_to_assignment": snap.UploadToAssignmentMinutes,
		"assignment_to_report": snap.AssignmentToReportMinutes,
		"report_to_download":   snap.ReportToDownloadMinutes,
		"total":                snap.TotalMinutes,
	} {
		if v == nil || *v < 0 {
			t.Errorf("%s = %v, want >= 0", name, v)
		}
	}
}
