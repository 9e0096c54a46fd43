// Package status is the single source of truth for study lifecycle states:
// which category each state belongs to, which transitions are legal, and
// which milestone a state stamps on first entry. Every dashboard and query
// derives its status lists from here.
package status

// Status is a study lifecycle state.
type Status string

const (
	Received                   Status = "received"
	PendingAssignment          Status = "pending_assignment"
	Assigned                   Status = "assigned"
	ReportOpened               Status = "report_opened"
	ReportInProgress           Status = "report_in_progress"
	ReportDownloadedByReviewer Status = "report_downloaded_by_reviewer"
	ReportDrafted              Status = "report_drafted"
	ReportUploaded             Status = "report_uploaded"
	ReportFinalized            Status = "report_finalized"
	FinalReportDownloaded      Status = "final_report_downloaded"
	Archived                   Status = "archived"
)

// Category is the coarse grouping shared by all dashboards.
type Category string

const (
	CategoryPending    Category = "pending"
	CategoryInProgress Category = "in_progress"
	CategoryCompleted  Category = "completed"
	CategoryArchived   Category = "archived"
	// CategoryAll selects every non-archived status.
	CategoryAll Category = "all"
)

// Milestone names the set-once timestamp a status stamps on first entry.
type Milestone string

const (
	MilestoneReceived       Milestone = "received_at"
	MilestoneFirstAssigned  Milestone = "first_assigned_at"
	MilestoneReportStarted  Milestone = "report_started_at"
	MilestoneReportFinal    Milestone = "report_finalized_at"
	MilestoneFirstDownload  Milestone = "first_downloaded_at"
)

var categories = map[Status]Category{
	Received:                   CategoryPending,
	PendingAssignment:          CategoryPending,
	Assigned:                   CategoryPending,
	ReportOpened:               CategoryPending,
	ReportInProgress:           CategoryPending,
	ReportDownloadedByReviewer: CategoryPending,
	ReportFinalized:            CategoryInProgress,
	ReportDrafted:              CategoryInProgress,
	ReportUploaded:             CategoryInProgress,
	FinalReportDownloaded:      CategoryCompleted,
	Archived:                   CategoryArchived,
}

// transitions is the legal forward graph. Archived is handled separately: it
// is reachable from any non-archived state via the explicit archive action.
var transitions = map[Status][]Status{
	Received:                   {PendingAssignment, Assigned},
	PendingAssignment:          {Assigned},
	Assigned:                   {ReportOpened, ReportInProgress},
	ReportOpened:               {ReportInProgress, ReportDownloadedByReviewer},
	ReportInProgress:           {ReportDownloadedByReviewer, ReportDrafted},
	ReportDownloadedByReviewer: {ReportDrafted, ReportUploaded},
	ReportDrafted:              {ReportUploaded, ReportFinalized},
	ReportUploaded:             {ReportFinalized},
	ReportFinalized:            {FinalReportDownloaded},
	FinalReportDownloaded:      nil,
	Archived:                   nil,
}

var milestones = map[Status]Milestone{
	Received:              MilestoneReceived,
	Assigned:              MilestoneFirstAssigned,
	ReportOpened:          MilestoneReportStarted,
	ReportInProgress:      MilestoneReportStarted,
	ReportFinalized:       MilestoneReportFinal,
	FinalReportDownloaded: MilestoneFirstDownload,
}

// IsKnown reports whether s is a registered status.
func IsKnown(s Status) bool {
	_, ok := categories[s]
	return ok
}

// IsValidTransition reports whether from -> to is a legal edge. Archiving is
// legal from every non-archived state and is never a forward edge.
func IsValidTransition(from, to Status) bool {
	if !IsKnown(from) || !IsKnown(to) {
		return false
	}
	if to == Archived {
		return from != Archived
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CategoryOf returns the category a status belongs to; empty for unknown.
func CategoryOf(s Status) Category {
	return categories[s]
}

// StatusesIn returns the statuses in a category, in pipeline order.
// CategoryAll is the union of pending, in_progress and completed.
func StatusesIn(c Category) []Status {
	ordered := []Status{
		Received, PendingAssignment, Assigned, ReportOpened, ReportInProgress,
		ReportDownloadedByReviewer, ReportDrafted, ReportUploaded,
		ReportFinalized, FinalReportDownloaded, Archived,
	}
	var out []Status
	for _, s := range ordered {
		cat := categories[s]
		if c == CategoryAll {
			if cat != CategoryArchived {
				out = append(out, s)
			}
			continue
		}
		if cat == c {
			out = append(out, s)
		}
	}
	return out
}

// All returns every registered status including archived.
func All() []Status {
	out := StatusesIn(CategoryAll)
	return append(out, Archived)
}

// MilestoneFor returns the milestone a status stamps on first entry, and
// whether it stamps one at all.
func MilestoneFor(s Status) (Milestone, bool) {
	m, ok := milestones[s]
	return m, ok
}

// NextStatuses returns the legal forward targets from a status, excluding
// the archive escape hatch.
func NextStatuses(from Status) []Status {
	next := transitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}
