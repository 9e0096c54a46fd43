// Package tat computes turnaround-time snapshots from a study's milestone
// timestamps. Snapshots are derived on every read and never persisted: a
// study can become overdue purely by the passage of time.
package tat

import (
	"time"

	"radflow/internal/domain"
	"radflow/internal/status"
)

// Phase names which SLA phase is breaching.
type Phase string

const (
	PhaseAssignment Phase = "assignment"
	PhaseReporting  Phase = "reporting"
	PhaseDownload   Phase = "download"
)

// SLA holds per-phase thresholds in minutes.
type SLA struct {
	AssignmentMinutes int64
	ReportingMinutes  int64
	DownloadMinutes   int64
}

// Compute derives a fresh snapshot from the study's milestones at the given
// instant. Pure function; safe under unbounded concurrency.
func Compute(s domain.Study, now time.Time, sla SLA) domain.TATSnapshot {
	received := parse(&s.ReceivedAt)
	assigned := parse(s.FirstAssignedAt)
	finalized := parse(s.ReportFinalizedAt)
	downloaded := parse(s.FirstDownloadedAt)

	snap := domain.TATSnapshot{
		UploadToAssignmentMinutes: minutesBetween(received, assigned),
		AssignmentToReportMinutes: minutesBetween(assigned, finalized),
		ReportToDownloadMinutes:   minutesBetween(finalized, downloaded),
	}

	if total := minutesBetween(received, downloaded); total != nil {
		snap.TotalMinutes = total
	} else {
		snap.TotalMinutes = partialSum(snap.UploadToAssignmentMinutes, snap.AssignmentToReportMinutes, snap.ReportToDownloadMinutes)
	}

	cat := status.CategoryOf(status.Status(s.WorkflowStatus))
	if cat != status.CategoryPending && cat != status.CategoryInProgress {
		return snap
	}

	phase, since, threshold := currentPhase(received, assigned, finalized, downloaded, sla)
	if phase == "" || since == nil {
		return snap
	}
	elapsed := int64(now.UTC().Sub(*since) / time.Minute)
	if elapsed > threshold {
		snap.IsOverdue = true
		snap.OverduePhase = string(phase)
	}
	return snap
}

func currentPhase(received, assigned, finalized, downloaded *time.Time, sla SLA) (Phase, *time.Time, int64) {
	switch {
	case assigned == nil:
		return PhaseAssignment, received, sla.AssignmentMinutes
	case finalized == nil:
		return PhaseReporting, assigned, sla.ReportingMinutes
	case downloaded == nil:
		return PhaseDownload, finalized, sla.DownloadMinutes
	}
	return "", nil, 0
}

func parse(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func minutesBetween(from, to *time.Time) *int64 {
	if from == nil || to == nil {
		return nil
	}
	m := int64(to.Sub(*from) / time.Minute)
	return &m
}

func partialSum(parts ...*int64) *int64 {
	var sum int64
	seen := false
	for _, p := range parts {
		if p == nil {
			continue
		}
		sum += *p
		seen = true
	}
	if !seen {
		return nil
	}
	return &sum
}
