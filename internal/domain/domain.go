package domain

// Study is the central entity: one imaging examination moving through the
// review pipeline. Timestamps are RFC3339 UTC strings; milestone fields are
// set once by the engine and never overwritten.
type Study struct {
	ID               string  `json:"id"`
	ArchiveID        string  `json:"archive_id,omitempty"`
	StudyInstanceUID string  `json:"study_instance_uid,omitempty"`
	PatientName      string  `json:"patient_name,omitempty"`
	Modality         string  `json:"modality,omitempty"`
	Priority         string  `json:"priority,omitempty" enum:"routine,urgent,stat"`
	StudyDate        *string `json:"study_date,omitempty" format:"date-time"`

	WorkflowStatus string `json:"workflow_status"`

	ReceivedAt        string  `json:"received_at" format:"date-time"`
	FirstAssignedAt   *string `json:"first_assigned_at,omitempty" format:"date-time"`
	ReportStartedAt   *string `json:"report_started_at,omitempty" format:"date-time"`
	ReportFinalizedAt *string `json:"report_finalized_at,omitempty" format:"date-time"`
	FirstDownloadedAt *string `json:"first_downloaded_at,omitempty" format:"date-time"`

	StatusHistory []StatusEntry        `json:"status_history,omitempty"`
	Assignments   []ReviewerAssignment `json:"assignments,omitempty"`
	Reports       []ReportRef          `json:"reports,omitempty"`

	ReportAvailable bool `json:"report_available"`

	// Version is the optimistic-concurrency revision; bumped on every write.
	Version int64 `json:"version"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// CurrentAssignment returns the last assignment, or nil when the study has
// never been assigned.
func (s Study) CurrentAssignment() *ReviewerAssignment {
	if len(s.Assignments) == 0 {
		return nil
	}
	return &s.Assignments[len(s.Assignments)-1]
}

// StatusEntry is one append-only audit row in a study's status history.
type StatusEntry struct {
	Status    string `json:"status"`
	ChangedAt string `json:"changed_at" format:"date-time"`
	ChangedBy string `json:"changed_by"`
	Note      string `json:"note,omitempty"`
}

// ReviewerAssignment is immutable once appended; the last element of
// Study.Assignments is the current assignment.
type ReviewerAssignment struct {
	ReviewerID string `json:"reviewer_id"`
	AssignedAt string `json:"assigned_at" format:"date-time"`
	Priority   string `json:"priority,omitempty" enum:"routine,urgent,stat"`
	AssignedBy string `json:"assigned_by"`
}

// ReportRef points into the external document store; the engine never
// inspects artifact content.
type ReportRef struct {
	ID         string `json:"id"`
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind" enum:"draft,finalized"`
	AddedAt    string `json:"added_at" format:"date-time"`
	AddedBy    string `json:"added_by"`
}

// Reviewer is a directory entry for an assignable reporting doctor.
type Reviewer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Modality  string `json:"modality,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TATSnapshot is derived fresh on every read; minute fields are nil while
// either endpoint milestone is unset.
type TATSnapshot struct {
	UploadToAssignmentMinutes *int64 `json:"upload_to_assignment_minutes"`
	AssignmentToReportMinutes *int64 `json:"assignment_to_report_minutes"`
	ReportToDownloadMinutes   *int64 `json:"report_to_download_minutes"`
	TotalMinutes              *int64 `json:"total_minutes"`
	IsOverdue                 bool   `json:"is_overdue"`
	OverduePhase              string `json:"overdue_phase,omitempty" enum:"assignment,reporting,download"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	StudyID string `json:"study_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
