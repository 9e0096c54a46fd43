package radflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Radflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string // legacy header auth, for trusted internal callers
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TAT is the turnaround snapshot the API computes per read.
type TAT struct {
	UploadToAssignmentMinutes *int64 `json:"upload_to_assignment_minutes"`
	AssignmentToReportMinutes *int64 `json:"assignment_to_report_minutes"`
	ReportToDownloadMinutes   *int64 `json:"report_to_download_minutes"`
	TotalMinutes              *int64 `json:"total_minutes"`
	IsOverdue                 bool   `json:"is_overdue"`
	OverduePhase              string `json:"overdue_phase,omitempty"`
}

// Study represents the API study model (partial).
type Study struct {
	ID              string  `json:"id"`
	PatientName     string  `json:"patient_name"`
	Modality        string  `json:"modality"`
	Priority        string  `json:"priority"`
	WorkflowStatus  string  `json:"workflow_status"`
	Category        string  `json:"category"`
	ReceivedAt      string  `json:"received_at"`
	FirstAssignedAt *string `json:"first_assigned_at"`
	ReportAvailable bool    `json:"report_available"`
	Version         int64   `json:"version"`
	TAT             TAT     `json:"tat"`
}

// WorklistRow is one row of the shared worklist query.
type WorklistRow struct {
	ID              string `json:"id"`
	PatientName     string `json:"patient_name"`
	Modality        string `json:"modality"`
	WorkflowStatus  string `json:"workflow_status"`
	Category        string `json:"category"`
	CurrentReviewer string `json:"current_reviewer"`
	ReportAvailable bool   `json:"report_available"`
	TAT             TAT    `json:"tat"`
}

// Worklist wraps the listing with the resolved date range.
type Worklist struct {
	Items []WorklistRow `json:"items"`
	Range struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"range"`
}

// Event represents a log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	StudyID string `json:"study_id"`
	ActorID string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterStudy registers a study at intake.
func (c *Client) RegisterStudy(ctx context.Context, patientName, modality, priority string) (Study, error) {
	body := map[string]any{
		"patient_name": patientName,
		"modality":     modality,
		"priority":     priority,
	}
	var resp Study
	err := c.do(ctx, http.MethodPost, "v0/studies", body, &resp)
	return resp, err
}

// GetStudy fetches a study with a fresh TAT snapshot.
func (c *Client) GetStudy(ctx context.Context, id string) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodGet, "v0/studies/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Assign assigns or reassigns a reviewer.
func (c *Client) Assign(ctx context.Context, studyID, reviewerID string) (Study, error) {
	body := map[string]any{"reviewer_id": reviewerID}
	var resp Study
	err := c.do(ctx, http.MethodPost, "v0/studies/"+url.PathEscape(studyID)+"/assign", body, &resp)
	return resp, err
}

// Transition applies a workflow transition.
func (c *Client) Transition(ctx context.Context, studyID, toStatus, note string) (Study, error) {
	body := map[string]any{"to_status": toStatus, "note": note}
	var resp Study
	err := c.do(ctx, http.MethodPost, "v0/studies/"+url.PathEscape(studyID)+"/transition", body, &resp)
	return resp, err
}

// AttachReport records a report artifact reference.
func (c *Client) AttachReport(ctx context.Context, studyID, artifactID, kind string) (Study, error) {
	body := map[string]any{"artifact_id": artifactID, "kind": kind}
	var resp Study
	err := c.do(ctx, http.MethodPost, "v0/studies/"+url.PathEscape(studyID)+"/reports", body, &resp)
	return resp, err
}

// RecordDownload records the final report download.
func (c *Client) RecordDownload(ctx context.Context, studyID string) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodPost, "v0/studies/"+url.PathEscape(studyID)+"/download", nil, &resp)
	return resp, err
}

// WorklistOptions are the filter knobs of the shared worklist query. Zero
// values mean the server defaults (admin role, today, uploadDate).
type WorklistOptions struct {
	Role       string
	ReviewerID string
	Category   string
	DateType   string
	Preset     string
	StartDate  string
	EndDate    string
	Search     string
	Limit      int
}

// Worklist runs the shared worklist query.
func (c *Client) Worklist(ctx context.Context, opts WorklistOptions) (Worklist, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("role", opts.Role)
	set("reviewer_id", opts.ReviewerID)
	set("category", opts.Category)
	set("date_type", opts.DateType)
	set("preset", opts.Preset)
	set("start_date", opts.StartDate)
	set("end_date", opts.EndDate)
	set("search", opts.Search)
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	endpoint := "v0/studies"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Worklist
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StudyTAT fetches a fresh TAT snapshot.
func (c *Client) StudyTAT(ctx context.Context, studyID string) (TAT, error) {
	var resp TAT
	err := c.do(ctx, http.MethodGet, "v0/studies/"+url.PathEscape(studyID)+"/tat", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, studyID string, limit int) ([]Event, error) {
	q := url.Values{}
	if studyID != "" {
		q.Set("study_id", studyID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
