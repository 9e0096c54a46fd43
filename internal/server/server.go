package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"radflow/internal/clock"
	"radflow/internal/domain"
	"radflow/internal/engine"
	"radflow/internal/query"
	"radflow/internal/repo"
	"radflow/internal/status"
	"radflow/internal/tat"
)

const conflictRetries = 3

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition received -> report_finalized"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Radflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Radflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStudies(group, cfg.Engine)
	registerWorklist(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerReviewers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(statusCode int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(statusCode)
	}
	return &apiError{
		status: statusCode,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"study_id": te.StudyID,
			"from":     string(te.From),
			"to":       string(te.To),
		})
	}
	var rnf engine.ReviewerNotFoundError
	if errors.As(err, &rnf) {
		return newAPIError(http.StatusNotFound, "reviewer_not_found", err.Error(), map[string]any{"reviewer_id": rnf.ReviewerID})
	}
	var ue engine.UnassignedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnprocessableEntity, "unassigned", err.Error(), map[string]any{"study_id": ue.StudyID})
	}
	var de engine.DuplicateStudyError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "duplicate_study", err.Error(), map[string]any{"study_id": de.StudyID})
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", "concurrent modification, retry the operation", nil)
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "duplicate", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(statusCode), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func slaFromEngine(e engine.Engine) tat.SLA {
	return tat.SLA{
		AssignmentMinutes: e.Config.SLA.AssignmentMinutes,
		ReportingMinutes:  e.Config.SLA.ReportingMinutes,
		DownloadMinutes:   e.Config.SLA.DownloadMinutes,
	}
}

func studyResponse(e engine.Engine, s domain.Study) StudyResponse {
	return StudyResponse{
		Study:    s,
		Category: string(status.CategoryOf(status.Status(s.WorkflowStatus))),
		TAT:      tat.Compute(s, e.Config.BusinessClock().NowUTC(), slaFromEngine(e)),
	}
}

func registerStudies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-study",
		Method:        http.MethodPost,
		Path:          "/studies",
		Summary:       "Register a study at intake",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterStudyRequest `json:"body"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RegisterStudy(ctx, engine.StudyIntakeOptions{
			ID:               input.Body.ID,
			ArchiveID:        input.Body.ArchiveID,
			StudyInstanceUID: input.Body.StudyInstanceUID,
			PatientName:      input.Body.PatientName,
			Modality:         input.Body.Modality,
			Priority:         input.Body.Priority,
			StudyDate:        input.Body.StudyDate,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(e, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-study",
		Method:      http.MethodGet,
		Path:        "/studies/{study_id}",
		Summary:     "Get study with fresh TAT",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.StudyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(e, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-study",
		Method:      http.MethodPost,
		Path:        "/studies/{study_id}/assign",
		Summary:     "Assign or reassign a reviewer",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StudyID string        `path:"study_id"`
		Body    AssignRequest `json:"body"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ReviewerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reviewer_id is required", nil)
		}
		var s domain.Study
		err := engine.RetryOnConflict(conflictRetries, func() error {
			var opErr error
			s, opErr = e.Assign(ctx, input.StudyID, input.Body.ReviewerID, input.Body.Priority, actorID)
			return opErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(e, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-study",
		Method:      http.MethodPost,
		Path:        "/studies/{study_id}/transition",
		Summary:     "Apply a workflow transition",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StudyID string            `path:"study_id"`
		Body    TransitionRequest `json:"body"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to := status.Status(input.Body.ToStatus)
		if !status.IsKnown(to) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", input.Body.ToStatus), nil)
		}
		var s domain.Study
		err := engine.RetryOnConflict(conflictRetries, func() error {
			var opErr error
			s, opErr = e.ApplyTransition(ctx, input.StudyID, to, actorID, input.Body.Note)
			return opErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(e, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-report",
		Method:      http.MethodPost,
		Path:        "/studies/{study_id}/reports",
		Summary:     "Attach a report artifact reference",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StudyID string              `path:"study_id"`
		Body    AttachReportRequest `json:"body"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ArtifactID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "artifact_id is required", nil)
		}
		var s domain.Study
		err := engine.RetryOnConflict(conflictRetries, func() error {
			var opErr error
			s, opErr = e.AttachReport(ctx, input.StudyID, input.Body.ArtifactID, input.Body.Kind, actorID)
			return opErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(e, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-study",
		Method:      http.MethodPost,
		Path:        "/studies/{study_id}/download",
		Summary:     "Record a final report download",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var s domain.Study
		err := engine.RetryOnConflict(conflictRetries, func() error {
			var opErr error
			s, opErr = e.RecordFinalDownload(ctx, input.StudyID, actorID)
			return opErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(e, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-study",
		Method:      http.MethodPost,
		Path:        "/studies/{study_id}/archive",
		Summary:     "Archive a study (terminal)",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StudyID string         `path:"study_id"`
		Body    ArchiveRequest `json:"body"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var s domain.Study
		err := engine.RetryOnConflict(conflictRetries, func() error {
			var opErr error
			s, opErr = e.Archive(ctx, input.StudyID, actorID, input.Body.Note)
			return opErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(e, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "study-history",
		Method:      http.MethodGet,
		Path:        "/studies/{study_id}/history",
		Summary:     "Status history audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.StudyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: s.StatusHistory}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "study-tat",
		Method:      http.MethodGet,
		Path:        "/studies/{study_id}/tat",
		Summary:     "Fresh TAT snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body domain.TATSnapshot `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.StudyID)
		if err != nil {
			return nil, handleError(err)
		}
		snap := tat.Compute(s, e.Config.BusinessClock().NowUTC(), slaFromEngine(e))
		return &struct {
			Body domain.TATSnapshot `json:"body"`
		}{Body: snap}, nil
	})
}

type worklistParams struct {
	Role       string `query:"role" enum:"admin,lab,reviewer" default:"admin"`
	ReviewerID string `query:"reviewer_id"`
	Category   string `query:"category"`
	DateType   string `query:"date_type" enum:"uploadDate,studyDate,assignedDate"`
	Preset     string `query:"preset"`
	StartDate  string `query:"start_date"`
	EndDate    string `query:"end_date"`
	Search     string `query:"search"`
	Modality   string `query:"modality"`
	Priority   string `query:"priority"`
	Limit      int    `query:"limit"`
}

func buildPredicate(e engine.Engine, p worklistParams) (query.Predicate, error) {
	role := query.Role(p.Role)
	if p.Role == "" {
		role = query.RoleAdmin
	}
	b := e.Config.BusinessClock()
	return query.Build(role, p.ReviewerID, query.Filters{
		Category:    status.Category(p.Category),
		DateField:   query.DateField(p.DateType),
		Preset:      clock.Preset(p.Preset),
		CustomStart: p.StartDate,
		CustomEnd:   p.EndDate,
		Search:      p.Search,
		Modality:    p.Modality,
		Priority:    p.Priority,
	}, b, b.NowUTC())
}

func registerWorklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-studies",
		Method:      http.MethodGet,
		Path:        "/studies",
		Summary:     "Worklist query shared by every dashboard",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *worklistParams) (*struct {
		Body WorklistResponse `json:"body"`
	}, error) {
		pred, err := buildPredicate(e, *input)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStudies(ctx, pred, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Config.BusinessClock().NowUTC()
		sla := slaFromEngine(e)
		resp := WorklistResponse{Items: make([]WorklistRow, 0, len(items))}
		resp.Range.Start = pred.Start.Format("2006-01-02T15:04:05.000Z07:00")
		resp.Range.End = pred.End.Format("2006-01-02T15:04:05.000Z07:00")
		for _, s := range items {
			row := WorklistRow{
				ID:               s.ID,
				ArchiveID:        s.ArchiveID,
				StudyInstanceUID: s.StudyInstanceUID,
				PatientName:      s.PatientName,
				Modality:         s.Modality,
				Priority:         s.Priority,
				WorkflowStatus:   s.WorkflowStatus,
				Category:         string(status.CategoryOf(status.Status(s.WorkflowStatus))),
				ReceivedAt:       s.ReceivedAt,
				ReportAvailable:  s.ReportAvailable,
				TAT:              tat.Compute(s, now, sla),
			}
			if cur := s.CurrentAssignment(); cur != nil {
				row.CurrentReviewer = cur.ReviewerID
				row.AssignedAt = cur.AssignedAt
			}
			resp.Items = append(resp.Items, row)
		}
		return &struct {
			Body WorklistResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-summary",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Per-category study counts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *worklistParams) (*struct {
		Body DashboardResponse `json:"body"`
	}, error) {
		params := *input
		params.Category = "" // count across all categories with the shared predicate
		pred, err := buildPredicate(e, params)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountByStatus(ctx, pred)
		if err != nil {
			return nil, handleError(err)
		}
		var resp DashboardResponse
		for st, n := range counts {
			switch status.CategoryOf(status.Status(st)) {
			case status.CategoryPending:
				resp.Pending += n
			case status.CategoryInProgress:
				resp.InProgress += n
			case status.CategoryCompleted:
				resp.Completed += n
			}
			resp.Total += n
		}
		return &struct {
			Body DashboardResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReviewers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reviewer",
		Method:        http.MethodPost,
		Path:          "/reviewers",
		Summary:       "Register a reviewer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateReviewerRequest `json:"body"`
	}) (*struct {
		Body domain.Reviewer `json:"body"`
	}, error) {
		if input.Body.ID == "" || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and name are required", nil)
		}
		rev := domain.Reviewer{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			Modality:  input.Body.Modality,
			Active:    true,
			CreatedAt: e.Config.BusinessClock().NowUTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertReviewer(ctx, rev); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Reviewer `json:"body"`
		}{Body: rev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviewers",
		Method:      http.MethodGet,
		Path:        "/reviewers",
		Summary:     "List reviewers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Reviewer `json:"body"`
	}, error) {
		items, err := e.Repo.ListReviewers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Reviewer `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log, newest first",
	}, func(ctx context.Context, input *struct {
		StudyID string `query:"study_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, input.StudyID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: items}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join(basePath, "openapi.json")
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <title>Radflow API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: %q, dom_id: "#swagger-ui"});
  </script>
</body>
</html>`, specURL)
}
