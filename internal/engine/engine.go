package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"radflow/internal/config"
	"radflow/internal/domain"
	"radflow/internal/events"
	"radflow/internal/repo"
	"radflow/internal/status"
)

// Engine applies workflow transitions and assignments to studies. It is a
// stateless library: every mutation reads the study's current version,
// computes the new state and writes it back under a compare-and-swap, so
// concurrent actors never overwrite each other's audit entries.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TransitionError is an illegal state edge. The study is left untouched.
type TransitionError struct {
	StudyID string
	From    status.Status
	To      status.Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for study %s", e.From, e.To, e.StudyID)
}

// ReviewerNotFoundError reports an assignment to an unknown reviewer.
type ReviewerNotFoundError struct {
	ReviewerID string
}

func (e ReviewerNotFoundError) Error() string {
	return fmt.Sprintf("reviewer %s not found", e.ReviewerID)
}

// UnassignedError reports a transition that requires a reviewer on a study
// that has none.
type UnassignedError struct {
	StudyID string
}

func (e UnassignedError) Error() string {
	return fmt.Sprintf("study %s has no assignment", e.StudyID)
}

// DuplicateStudyError reports an intake whose id or study instance UID is
// already registered.
type DuplicateStudyError struct {
	StudyID string
}

func (e DuplicateStudyError) Error() string {
	return fmt.Sprintf("study %s conflicts with an already registered study", e.StudyID)
}

// StudyIntakeOptions are parameters for registering a study.
type StudyIntakeOptions struct {
	ID               string
	ArchiveID        string
	StudyInstanceUID string
	PatientName      string
	Modality         string
	Priority         string
	StudyDate        string
	ActorID          string
}

// RegisterStudy creates a study in the initial state and stamps receivedAt.
func (e Engine) RegisterStudy(ctx context.Context, opts StudyIntakeOptions) (domain.Study, error) {
	if e.Config == nil {
		return domain.Study{}, errors.New("config not loaded")
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.Study{
		ID:               id,
		ArchiveID:        opts.ArchiveID,
		StudyInstanceUID: opts.StudyInstanceUID,
		PatientName:      opts.PatientName,
		Modality:         opts.Modality,
		Priority:         opts.Priority,
		WorkflowStatus:   string(status.Received),
		ReceivedAt:       now,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if opts.StudyDate != "" {
		s.StudyDate = &opts.StudyDate
	}
	entry := domain.StatusEntry{
		Status:    string(status.Received),
		ChangedAt: now,
		ChangedBy: opts.ActorID,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Study{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStudy(ctx, tx, s); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Study{}, DuplicateStudyError{StudyID: s.ID}
		}
		return domain.Study{}, fmt.Errorf("insert study: %w", err)
	}
	if err := e.Repo.AppendStatus(ctx, tx, s.ID, entry); err != nil {
		return domain.Study{}, err
	}
	if err := e.Events.Append(ctx, tx, "study.received", s.ID, opts.ActorID, events.EventPayload{"status": s.WorkflowStatus}); err != nil {
		return domain.Study{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Study{}, err
	}
	s.StatusHistory = []domain.StatusEntry{entry}
	return s, nil
}

// ApplyTransition validates and applies a state change: history append,
// status mutation and milestone stamping commit as one atomic unit against
// the version read here. A lost race surfaces as repo.ErrConflict.
func (e Engine) ApplyTransition(ctx context.Context, studyID string, to status.Status, actorID, note string) (domain.Study, error) {
	s, err := e.Repo.GetStudy(ctx, studyID)
	if err != nil {
		return domain.Study{}, err
	}
	return e.transition(ctx, s, to, actorID, note, nil)
}

// Assign appends a reviewer assignment and, when the study is still
// unassigned, moves it into the assigned state. Re-assignment of an already
// assigned study records only the new assignment entry; the workflow status
// stays put.
func (e Engine) Assign(ctx context.Context, studyID, reviewerID, priority, actorID string) (domain.Study, error) {
	rev, err := e.Repo.GetReviewer(ctx, reviewerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Study{}, ReviewerNotFoundError{ReviewerID: reviewerID}
		}
		return domain.Study{}, err
	}
	s, err := e.Repo.GetStudy(ctx, studyID)
	if err != nil {
		return domain.Study{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	assignment := domain.ReviewerAssignment{
		ReviewerID: rev.ID,
		AssignedAt: now,
		Priority:   priority,
		AssignedBy: actorID,
	}
	appendAssignment := func(tx *sql.Tx) error {
		if err := e.Repo.AppendAssignment(ctx, tx, s.ID, assignment); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "study.assigned", s.ID, actorID, events.EventPayload{
			"reviewer_id": rev.ID,
			"priority":    priority,
		})
	}
	cur := status.Status(s.WorkflowStatus)
	if cur == status.Received || cur == status.PendingAssignment {
		// validate against the assignment being appended in the same tx
		s.Assignments = append(s.Assignments, assignment)
		return e.transition(ctx, s, status.Assigned, actorID, "", appendAssignment)
	}
	s.Assignments = append(s.Assignments, assignment)
	return e.write(ctx, s, appendAssignment)
}

// AttachReport records a report artifact reference and drives the matching
// workflow transition (draft -> report_drafted, finalized ->
// report_finalized). Attaching another artifact while already in the target
// state appends the reference without a status change.
func (e Engine) AttachReport(ctx context.Context, studyID, artifactID, kind, actorID string) (domain.Study, error) {
	target := status.ReportDrafted
	switch kind {
	case "draft":
	case "finalized":
		target = status.ReportFinalized
	default:
		return domain.Study{}, fmt.Errorf("report kind must be draft or finalized, got %q", kind)
	}
	s, err := e.Repo.GetStudy(ctx, studyID)
	if err != nil {
		return domain.Study{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ref := domain.ReportRef{
		ID:         uuid.New().String(),
		ArtifactID: artifactID,
		Kind:       kind,
		AddedAt:    now,
		AddedBy:    actorID,
	}
	appendReport := func(tx *sql.Tx) error {
		if err := e.Repo.AppendReport(ctx, tx, s.ID, ref); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "report.attached", s.ID, actorID, events.EventPayload{
			"artifact_id": artifactID,
			"kind":        kind,
		})
	}
	s.Reports = append(s.Reports, ref)
	s.ReportAvailable = true
	cur := status.Status(s.WorkflowStatus)
	if cur == target {
		return e.write(ctx, s, appendReport)
	}
	return e.transition(ctx, s, target, actorID, "", appendReport)
}

// RecordFinalDownload marks the first client download of the finalized
// report; repeat downloads do not move the milestone.
func (e Engine) RecordFinalDownload(ctx context.Context, studyID, actorID string) (domain.Study, error) {
	s, err := e.Repo.GetStudy(ctx, studyID)
	if err != nil {
		return domain.Study{}, err
	}
	if status.Status(s.WorkflowStatus) == status.FinalReportDownloaded {
		return s, nil
	}
	return e.transition(ctx, s, status.FinalReportDownloaded, actorID, "", nil)
}

// Archive moves a study to the terminal archived state. Archived studies
// are retained; nothing is ever deleted.
func (e Engine) Archive(ctx context.Context, studyID, actorID, note string) (domain.Study, error) {
	s, err := e.Repo.GetStudy(ctx, studyID)
	if err != nil {
		return domain.Study{}, err
	}
	return e.transition(ctx, s, status.Archived, actorID, note, nil)
}

// transition validates the edge against the study as loaded, then commits
// status mutation, history append, milestone stamping and any extra writes
// in one transaction guarded by the loaded version.
func (e Engine) transition(ctx context.Context, s domain.Study, to status.Status, actorID, note string, extra func(tx *sql.Tx) error) (domain.Study, error) {
	from := status.Status(s.WorkflowStatus)
	if !status.IsValidTransition(from, to) {
		return domain.Study{}, TransitionError{StudyID: s.ID, From: from, To: to}
	}
	if to != status.Archived && leavesUnassigned(from, to) && len(s.Assignments) == 0 {
		return domain.Study{}, UnassignedError{StudyID: s.ID}
	}
	now := e.now().UTC().Format(time.RFC3339)
	s.WorkflowStatus = string(to)
	stampMilestone(&s, to, now)
	entry := domain.StatusEntry{
		Status:    string(to),
		ChangedAt: now,
		ChangedBy: actorID,
		Note:      note,
	}
	s.StatusHistory = append(s.StatusHistory, entry)
	return e.write(ctx, s, func(tx *sql.Tx) error {
		if err := e.Repo.AppendStatus(ctx, tx, s.ID, entry); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, "study.transitioned", s.ID, actorID, events.EventPayload{
			"from": string(from),
			"to":   string(to),
		})
	})
}

// write commits the study row under CAS plus any extra appends.
func (e Engine) write(ctx context.Context, s domain.Study, extra func(tx *sql.Tx) error) (domain.Study, error) {
	expected := s.Version
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Study{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStudyCAS(ctx, tx, s, expected); err != nil {
		return domain.Study{}, err
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return domain.Study{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Study{}, err
	}
	s.Version = expected + 1
	return s, nil
}

// leavesUnassigned reports whether the edge exits the unassigned part of
// the pipeline.
func leavesUnassigned(from, to status.Status) bool {
	unassigned := func(s status.Status) bool {
		return s == status.Received || s == status.PendingAssignment
	}
	return unassigned(from) && !unassigned(to)
}

// stampMilestone sets the milestone for the entered status if unset.
// Milestones are set-once; a later transition into the same category never
// overwrites them.
func stampMilestone(s *domain.Study, to status.Status, now string) {
	m, ok := status.MilestoneFor(to)
	if !ok {
		return
	}
	set := func(field **string) {
		if *field == nil || **field == "" {
			v := now
			*field = &v
		}
	}
	switch m {
	case status.MilestoneFirstAssigned:
		set(&s.FirstAssignedAt)
	case status.MilestoneReportStarted:
		set(&s.ReportStartedAt)
	case status.MilestoneReportFinal:
		set(&s.ReportFinalizedAt)
	case status.MilestoneFirstDownload:
		set(&s.FirstDownloadedAt)
	case status.MilestoneReceived:
		if s.ReceivedAt == "" {
			s.ReceivedAt = now
		}
	}
}

// RetryOnConflict runs op up to attempts times, retrying only on
// repo.ErrConflict. The operation must reload state itself; this helper
// never replays a stale write.
func RetryOnConflict(attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	return err
}
