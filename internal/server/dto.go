package server

import (
	"radflow/internal/domain"
)

type RegisterStudyRequest struct {
	ID               string `json:"id,omitempty"`
	ArchiveID        string `json:"archive_id,omitempty"`
	StudyInstanceUID string `json:"study_instance_uid,omitempty"`
	PatientName      string `json:"patient_name,omitempty"`
	Modality         string `json:"modality,omitempty"`
	Priority         string `json:"priority,omitempty" enum:"routine,urgent,stat"`
	StudyDate        string `json:"study_date,omitempty" format:"date-time"`
}

type AssignRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Priority   string `json:"priority,omitempty" enum:"routine,urgent,stat"`
}

type TransitionRequest struct {
	ToStatus string `json:"to_status"`
	Note     string `json:"note,omitempty"`
}

type AttachReportRequest struct {
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind" enum:"draft,finalized"`
}

type ArchiveRequest struct {
	Note string `json:"note,omitempty"`
}

type CreateReviewerRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Modality string `json:"modality,omitempty"`
}

// StudyResponse is the full study view with a fresh TAT snapshot.
type StudyResponse struct {
	domain.Study
	Category string             `json:"category"`
	TAT      domain.TATSnapshot `json:"tat"`
}

// WorklistRow is the dashboard listing view: study summary, current
// reviewer and a fresh TAT snapshot per row.
type WorklistRow struct {
	ID               string             `json:"id"`
	ArchiveID        string             `json:"archive_id,omitempty"`
	StudyInstanceUID string             `json:"study_instance_uid,omitempty"`
	PatientName      string             `json:"patient_name,omitempty"`
	Modality         string             `json:"modality,omitempty"`
	Priority         string             `json:"priority,omitempty"`
	WorkflowStatus   string             `json:"workflow_status"`
	Category         string             `json:"category"`
	ReceivedAt       string             `json:"received_at"`
	CurrentReviewer  string             `json:"current_reviewer,omitempty"`
	AssignedAt       string             `json:"assigned_at,omitempty"`
	ReportAvailable  bool               `json:"report_available"`
	TAT              domain.TATSnapshot `json:"tat"`
}

type WorklistResponse struct {
	Items []WorklistRow `json:"items"`
	Range struct {
		Start string `json:"start" format:"date-time"`
		End   string `json:"end" format:"date-time"`
	} `json:"range"`
}

// DashboardResponse carries per-category counts; every role's numbers come
// from the same predicate.
type DashboardResponse struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Total      int64 `json:"total"`
}

type HistoryResponse struct {
	Items []domain.StatusEntry `json:"items"`
}

type EventsResponse struct {
	Items []domain.Event `json:"items"`
}
