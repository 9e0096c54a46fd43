package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"radflow/internal/domain"
	"radflow/internal/query"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap write loses against a
// concurrent writer. Callers should reload the study and retry the whole
// operation.
var ErrConflict = errors.New("concurrent modification")

// ErrDuplicate is returned when an insert violates a unique constraint.
var ErrDuplicate = errors.New("duplicate")

// mapWriteError folds driver-level failures into the repo sentinels. The
// sqlite driver exposes lock contention and constraint violations only
// through the error text.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "SQLITE_LOCKED"):
		return fmt.Errorf("%v: %w", err, ErrConflict)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%v: %w", err, ErrDuplicate)
	}
	return err
}

const studyColumns = `id,archive_id,study_instance_uid,patient_name,modality,priority,study_date,workflow_status,received_at,first_assigned_at,report_started_at,report_finalized_at,first_downloaded_at,report_available,version,created_at,updated_at`

func scanStudy(scan func(dest ...any) error) (domain.Study, error) {
	var s domain.Study
	var archiveID, uid, patient, modality, priority, studyDate sql.NullString
	var firstAssigned, reportStarted, reportFinalized, firstDownloaded sql.NullString
	var reportAvailable int
	err := scan(&s.ID, &archiveID, &uid, &patient, &modality, &priority, &studyDate,
		&s.WorkflowStatus, &s.ReceivedAt, &firstAssigned, &reportStarted, &reportFinalized, &firstDownloaded,
		&reportAvailable, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ArchiveID = archiveID.String
	s.StudyInstanceUID = uid.String
	s.PatientName = patient.String
	s.Modality = modality.String
	s.Priority = priority.String
	if studyDate.Valid {
		s.StudyDate = &studyDate.String
	}
	if firstAssigned.Valid {
		s.FirstAssignedAt = &firstAssigned.String
	}
	if reportStarted.Valid {
		s.ReportStartedAt = &reportStarted.String
	}
	if reportFinalized.Valid {
		s.ReportFinalizedAt = &reportFinalized.String
	}
	if firstDownloaded.Valid {
		s.FirstDownloadedAt = &firstDownloaded.String
	}
	s.ReportAvailable = reportAvailable != 0
	return s, nil
}

// GetStudy loads a study with its full history, assignment list and report
// refs. The returned Version is the CAS token for subsequent writes.
func (r Repo) GetStudy(ctx context.Context, id string) (domain.Study, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM studies WHERE id=?`, id)
	s, err := scanStudy(row.Scan)
	if err != nil {
		return s, err
	}
	if s.StatusHistory, err = r.listHistory(ctx, id); err != nil {
		return s, err
	}
	if s.Assignments, err = r.listAssignments(ctx, id); err != nil {
		return s, err
	}
	if s.Reports, err = r.listReports(ctx, id); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) listHistory(ctx context.Context, studyID string) ([]domain.StatusEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status,changed_at,changed_by,COALESCE(note,'') FROM status_history WHERE study_id=? ORDER BY id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusEntry
	for rows.Next() {
		var e domain.StatusEntry
		if err := rows.Scan(&e.Status, &e.ChangedAt, &e.ChangedBy, &e.Note); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) listAssignments(ctx context.Context, studyID string) ([]domain.ReviewerAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT reviewer_id,assigned_at,COALESCE(priority,''),assigned_by FROM assignments WHERE study_id=? ORDER BY id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReviewerAssignment
	for rows.Next() {
		var a domain.ReviewerAssignment
		if err := rows.Scan(&a.ReviewerID, &a.AssignedAt, &a.Priority, &a.AssignedBy); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) listReports(ctx context.Context, studyID string) ([]domain.ReportRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,artifact_id,kind,added_at,added_by FROM reports WHERE study_id=? ORDER BY added_at, id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReportRef
	for rows.Next() {
		var rr domain.ReportRef
		if err := rows.Scan(&rr.ID, &rr.ArtifactID, &rr.Kind, &rr.AddedAt, &rr.AddedBy); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// InsertStudy writes the study row inside tx. History rows are appended
// separately so intake and transitions share one code path.
func (r Repo) InsertStudy(ctx context.Context, tx *sql.Tx, s domain.Study) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO studies(`+studyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, nullable(s.ArchiveID), nullable(s.StudyInstanceUID), nullable(s.PatientName), nullable(s.Modality),
		nullable(s.Priority), nullableStringPtr(s.StudyDate), s.WorkflowStatus, s.ReceivedAt,
		nullableStringPtr(s.FirstAssignedAt), nullableStringPtr(s.ReportStartedAt), nullableStringPtr(s.ReportFinalizedAt),
		nullableStringPtr(s.FirstDownloadedAt), boolInt(s.ReportAvailable), s.Version, s.CreatedAt, s.UpdatedAt)
	return mapWriteError(err)
}

// UpdateStudyCAS writes the mutable study fields conditioned on the version
// read by the caller being unchanged. On a lost race it returns ErrConflict
// and the transaction should be rolled back.
func (r Repo) UpdateStudyCAS(ctx context.Context, tx *sql.Tx, s domain.Study, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE studies SET workflow_status=?, first_assigned_at=?, report_started_at=?, report_finalized_at=?, first_downloaded_at=?, report_available=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		s.WorkflowStatus, nullableStringPtr(s.FirstAssignedAt), nullableStringPtr(s.ReportStartedAt),
		nullableStringPtr(s.ReportFinalizedAt), nullableStringPtr(s.FirstDownloadedAt), boolInt(s.ReportAvailable),
		s.UpdatedAt, s.ID, expectedVersion)
	if err != nil {
		return mapWriteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM studies WHERE id=?`, s.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r Repo) AppendStatus(ctx context.Context, tx *sql.Tx, studyID string, e domain.StatusEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_history(study_id,status,changed_at,changed_by,note) VALUES (?,?,?,?,?)`,
		studyID, e.Status, e.ChangedAt, e.ChangedBy, nullable(e.Note))
	return mapWriteError(err)
}

func (r Repo) AppendAssignment(ctx context.Context, tx *sql.Tx, studyID string, a domain.ReviewerAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(study_id,reviewer_id,assigned_at,priority,assigned_by) VALUES (?,?,?,?,?)`,
		studyID, a.ReviewerID, a.AssignedAt, nullable(a.Priority), a.AssignedBy)
	return mapWriteError(err)
}

func (r Repo) AppendReport(ctx context.Context, tx *sql.Tx, studyID string, rr domain.ReportRef) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,study_id,artifact_id,kind,added_at,added_by) VALUES (?,?,?,?,?,?)`,
		rr.ID, studyID, rr.ArtifactID, rr.Kind, rr.AddedAt, rr.AddedBy)
	return mapWriteError(err)
}

// ListStudies executes a declarative predicate built by the query package.
// Assignment lists are hydrated so callers can read the current reviewer;
// full history hydration stays on the single-study path.
func (r Repo) ListStudies(ctx context.Context, p query.Predicate, limit int) ([]domain.Study, error) {
	where, args := predicateWhere(p)
	q := `SELECT ` + studyColumns + ` FROM studies ` + where + predicateOrder(p)
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Study
	for rows.Next() {
		s, err := scanStudy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Assignments, err = r.listAssignments(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountByStatus executes the predicate and groups matches by workflow
// status, for dashboard category counts.
func (r Repo) CountByStatus(ctx context.Context, p query.Predicate) (map[string]int64, error) {
	where, args := predicateWhere(p)
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_status, COUNT(*) FROM studies `+where+` GROUP BY workflow_status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func predicateWhere(p query.Predicate) (string, []any) {
	var clauses []string
	var args []any

	if len(p.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(p.Statuses))
		clauses = append(clauses, fmt.Sprintf("workflow_status IN (%s)", placeholders[:len(placeholders)-1]))
		for _, s := range p.Statuses {
			args = append(args, string(s))
		}
	}
	if p.ReviewerID != "" {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM assignments a WHERE a.study_id=studies.id AND a.reviewer_id=?)`)
		args = append(args, p.ReviewerID)
	}
	if !p.Start.IsZero() && !p.End.IsZero() {
		start := p.Start.UTC().Format(time.RFC3339)
		end := p.End.UTC().Format(time.RFC3339)
		switch p.DateField {
		case query.DateAssigned:
			// matches any entry of the assignment history, by design
			clauses = append(clauses, `EXISTS (SELECT 1 FROM assignments a WHERE a.study_id=studies.id AND a.assigned_at BETWEEN ? AND ?)`)
			args = append(args, start, end)
		case query.DateStudy:
			clauses = append(clauses, `study_date BETWEEN ? AND ?`)
			args = append(args, start, end)
		default:
			clauses = append(clauses, `received_at BETWEEN ? AND ?`)
			args = append(args, start, end)
		}
	}
	if p.Search != "" {
		needle := "%" + p.Search + "%"
		clauses = append(clauses, `(patient_name LIKE ? OR id LIKE ? OR study_instance_uid LIKE ? OR archive_id LIKE ?)`)
		args = append(args, needle, needle, needle, needle)
	}
	if p.Modality != "" {
		clauses = append(clauses, `modality=?`)
		args = append(args, p.Modality)
	}
	if p.Priority != "" {
		clauses = append(clauses, `priority=?`)
		args = append(args, p.Priority)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func predicateOrder(p query.Predicate) string {
	var keys []string
	for _, k := range p.Sort {
		dir := "ASC"
		if k.Descending {
			dir = "DESC"
		}
		switch k.Field {
		case "assigned_at":
			keys = append(keys, `(SELECT MAX(a.assigned_at) FROM assignments a WHERE a.study_id=studies.id) `+dir)
		case "received_at":
			keys = append(keys, `received_at `+dir)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	return " ORDER BY " + strings.Join(keys, ", ")
}

func (r Repo) InsertReviewer(ctx context.Context, rev domain.Reviewer) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO reviewers(id,name,modality,active,created_at) VALUES (?,?,?,?,?)`,
		rev.ID, rev.Name, nullable(rev.Modality), boolInt(rev.Active), rev.CreatedAt)
	return mapWriteError(err)
}

func (r Repo) GetReviewer(ctx context.Context, id string) (domain.Reviewer, error) {
	var rev domain.Reviewer
	var modality sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(modality,''),active,created_at FROM reviewers WHERE id=?`, id).
		Scan(&rev.ID, &rev.Name, &modality, &active, &rev.CreatedAt)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	rev.Modality = modality.String
	rev.Active = active != 0
	return rev, err
}

func (r Repo) ListReviewers(ctx context.Context) ([]domain.Reviewer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(modality,''),active,created_at FROM reviewers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reviewer
	for rows.Next() {
		var rev domain.Reviewer
		var active int
		if err := rows.Scan(&rev.ID, &rev.Name, &rev.Modality, &active, &rev.CreatedAt); err != nil {
			return nil, err
		}
		rev.Active = active != 0
		out = append(out, rev)
	}
	return out, rows.Err()
}

// ListEvents returns recent audit events, newest first, optionally scoped
// to one study.
func (r Repo) ListEvents(ctx context.Context, studyID string, limit int) ([]domain.Event, error) {
	q := `SELECT id,ts,type,COALESCE(study_id,''),actor_id,payload_json FROM events`
	var args []any
	if studyID != "" {
		q += ` WHERE study_id=?`
		args = append(args, studyID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, q, args...)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first; the webhook dispatcher pages through the log with this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(study_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.StudyID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
