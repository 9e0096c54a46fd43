// Package query translates a role plus filter request into one canonical,
// declarative predicate. Every dashboard (admin, lab, reviewer) builds its
// worklist through here; none of them carries its own status lists or date
// math.
package query

import (
	"fmt"
	"strings"
	"time"

	"radflow/internal/clock"
	"radflow/internal/status"
)

// Role is the caller's dashboard role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleLab      Role = "lab"
	RoleReviewer Role = "reviewer"
)

// DateField names which timestamp the date range applies to.
type DateField string

const (
	DateUpload DateField = "uploadDate"
	DateStudy  DateField = "studyDate"
	// DateAssigned matches against the assignment history's assigned_at
	// entries, not any top-level study column.
	DateAssigned DateField = "assignedDate"
)

// Filters is the raw filter request from a dashboard.
type Filters struct {
	Category    status.Category
	DateField   DateField
	Preset      clock.Preset
	CustomStart string // YYYY-MM-DD, local business date
	CustomEnd   string
	Search      string
	Modality    string
	Priority    string
}

// SortKey is one component of the stable sort order.
type SortKey struct {
	Field      string
	Descending bool
}

// Predicate is the canonical declarative query. It is handed to the storage
// layer for execution; the builder never touches the database.
type Predicate struct {
	Statuses   []status.Status
	ReviewerID string // restrict to studies ever assigned to this reviewer
	DateField  DateField
	Start      time.Time
	End        time.Time
	Search     string
	Modality   string
	Priority   string
	Sort       []SortKey
}

// Build resolves a role + filter request against the business clock. The
// zero Filters value yields the shared default view: all non-archived
// statuses, upload date, today in the business timezone.
func Build(role Role, reviewerID string, f Filters, b *clock.Business, now time.Time) (Predicate, error) {
	switch role {
	case RoleAdmin, RoleLab:
		// no reviewer restriction
		reviewerID = ""
	case RoleReviewer:
		if strings.TrimSpace(reviewerID) == "" {
			return Predicate{}, fmt.Errorf("reviewer role requires a reviewer id")
		}
	default:
		return Predicate{}, fmt.Errorf("unknown role %q", role)
	}

	category := f.Category
	if category == "" {
		category = status.CategoryAll
	}
	statuses := status.StatusesIn(category)
	if len(statuses) == 0 {
		return Predicate{}, fmt.Errorf("unknown category %q", category)
	}

	dateField := f.DateField
	if dateField == "" {
		dateField = DateUpload
	}
	switch dateField {
	case DateUpload, DateStudy, DateAssigned:
	default:
		return Predicate{}, fmt.Errorf("unknown date field %q", dateField)
	}

	var (
		start, end time.Time
		err        error
	)
	if f.CustomStart != "" || f.CustomEnd != "" {
		if f.Preset != "" && f.Preset != clock.PresetCustom {
			return Predicate{}, fmt.Errorf("preset %q conflicts with custom range", f.Preset)
		}
		start, end, err = b.ResolveCustomRange(f.CustomStart, f.CustomEnd)
	} else {
		start, end, err = b.ResolveDatePreset(f.Preset, now)
	}
	if err != nil {
		return Predicate{}, err
	}

	return Predicate{
		Statuses:   statuses,
		ReviewerID: strings.TrimSpace(reviewerID),
		DateField:  dateField,
		Start:      start,
		End:        end,
		Search:     strings.TrimSpace(f.Search),
		Modality:   strings.TrimSpace(f.Modality),
		Priority:   strings.TrimSpace(f.Priority),
		Sort: []SortKey{
			{Field: "assigned_at", Descending: true},
			{Field: "received_at", Descending: true},
		},
	}, nil
}
