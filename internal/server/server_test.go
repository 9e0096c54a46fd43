package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"radflow/internal/config"
	"radflow/internal/db"
	"radflow/internal/domain"
	"radflow/internal/engine"
	"radflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.InsertReviewer(context.Background(), domain.Reviewer{
		ID:     "dr-rao",
		Name:   "Dr. Rao",
		Active: true,
	}); err != nil {
		t.Fatalf("seed reviewer: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

type errorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func decodeErrorEnvelope(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var wrapper struct {
		Error errorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(body))
	}
	return wrapper.Error
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestStudyLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{
		"patient_name": "DOE^JANE",
		"modality":     "CT",
		"priority":     "routine",
	}, asTester)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("register study status %d: %s", createRes.StatusCode, string(data))
	}
	var created StudyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal study: %v", err)
	}
	if created.WorkflowStatus != "received" || created.Category != "pending" {
		t.Fatalf("fresh study in %s/%s", created.WorkflowStatus, created.Category)
	}
	studyID := created.ID

	assignRes, assignBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/"+studyID+"/assign", map[string]any{
		"reviewer_id": "dr-rao",
	}, asTester)
	if assignRes.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", assignRes.StatusCode, string(assignBody))
	}
	var assigned StudyResponse
	_ = json.Unmarshal(assignBody, &assigned)
	if assigned.WorkflowStatus != "assigned" {
		t.Fatalf("expected assigned, got %s", assigned.WorkflowStatus)
	}
	if assigned.FirstAssignedAt == nil {
		t.Fatal("firstAssignedAt not stamped")
	}

	for _, to := range []string{"report_opened", "report_in_progress"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/"+studyID+"/transition", map[string]any{
			"to_status": to,
		}, asTester)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", to, res.StatusCode, string(body))
		}
	}

	reportRes, reportBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/"+studyID+"/reports", map[string]any{
		"artifact_id": "artifact-1",
		"kind":        "finalized",
	}, asTester)
	if reportRes.StatusCode != http.StatusOK {
		t.Fatalf("attach report: %d %s", reportRes.StatusCode, string(reportBody))
	}
	var finalized StudyResponse
	_ = json.Unmarshal(reportBody, &finalized)
	if finalized.WorkflowStatus != "report_finalized" || finalized.Category != "in_progress" {
		t.Fatalf("after finalize: %s/%s", finalized.WorkflowStatus, finalized.Category)
	}
	if !finalized.ReportAvailable {
		t.Fatal("report_available not set")
	}

	dlRes, dlBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/"+studyID+"/download", nil, asTester)
	if dlRes.StatusCode != http.StatusOK {
		t.Fatalf("download: %d %s", dlRes.StatusCode, string(dlBody))
	}
	var done StudyResponse
	_ = json.Unmarshal(dlBody, &done)
	if done.WorkflowStatus != "final_report_downloaded" || done.Category != "completed" {
		t.Fatalf("after download: %s/%s", done.WorkflowStatus, done.Category)
	}
	if done.TAT.TotalMinutes == nil {
		t.Fatal("completed study must have a total TAT")
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies/"+studyID+"/history", nil, asTester)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", histRes.StatusCode, string(histBody))
	}
	var hist HistoryResponse
	_ = json.Unmarshal(histBody, &hist)
	if len(hist.Items) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(hist.Items))
	}
	if hist.Items[len(hist.Items)-1].Status != done.WorkflowStatus {
		t.Fatal("history tail does not match workflow status")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(body))
	}

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", healthRes.StatusCode)
	}

	legacyRes, legacyBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies", nil, asTester)
	if legacyRes.StatusCode != http.StatusOK {
		t.Fatalf("legacy actor header rejected: %d %s", legacyRes.StatusCode, string(legacyBody))
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": "s-1"}, asTester)
	var created StudyResponse
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/s-1/transition", map[string]any{
		"to_status": "report_finalized",
	}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}
	envelope := decodeErrorEnvelope(t, body)
	if envelope.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q (%s)", envelope.Code, string(body))
	}
	if envelope.Details["from"] != "received" || envelope.Details["to"] != "report_finalized" {
		t.Fatalf("details missing edge: %v", envelope.Details)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies/s-1", nil, asTester)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get after failed transition: %d", getRes.StatusCode)
	}
	var after StudyResponse
	_ = json.Unmarshal(getBody, &after)
	if after.WorkflowStatus != "received" {
		t.Fatalf("failed transition mutated study to %s", after.WorkflowStatus)
	}
}

func TestUnknownReviewerAndStudy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": "s-1"}, asTester)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/s-1/assign", map[string]any{
		"reviewer_id": "dr-nobody",
	}, asTester)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reviewer, got %d %s", res.StatusCode, string(body))
	}
	if code := decodeErrorEnvelope(t, body).Code; code != "reviewer_not_found" {
		t.Fatalf("expected reviewer_not_found, got %q", code)
	}

	missingRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies/missing", nil, asTester)
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing study, got %d", missingRes.StatusCode)
	}
}

func TestDuplicateRegistrationConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	first, firstBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": "s-1"}, asTester)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", first.StatusCode, string(firstBody))
	}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": "s-1"}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %d %s", res.StatusCode, string(body))
	}
	envelope := decodeErrorEnvelope(t, body)
	if envelope.Code != "duplicate_study" {
		t.Fatalf("expected duplicate_study, got %q (%s)", envelope.Code, string(body))
	}
	if envelope.Details["study_id"] != "s-1" {
		t.Fatalf("details missing study id: %v", envelope.Details)
	}
}

func TestUnassignedTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": "s-1"}, asTester)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/s-1/transition", map[string]any{
		"to_status": "assigned",
	}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without an assignment, got %d %s", res.StatusCode, string(body))
	}
	envelope := decodeErrorEnvelope(t, body)
	if envelope.Code != "unassigned" {
		t.Fatalf("expected unassigned, got %q (%s)", envelope.Code, string(body))
	}
	if envelope.Details["study_id"] != "s-1" {
		t.Fatalf("details missing study id: %v", envelope.Details)
	}
}

func TestWorklistSharedDefaultRange(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": "s-1"}, asTester)

	var first WorklistResponse
	for _, role := range []string{"admin", "lab"} {
		res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies?role="+role, nil, asTester)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("worklist role=%s: %d %s", role, res.StatusCode, string(body))
		}
		var resp WorklistResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("unmarshal worklist: %v", err)
		}
		if len(resp.Items) != 1 || resp.Items[0].ID != "s-1" {
			t.Fatalf("role=%s expected the fresh study in today's default view, got %d items", role, len(resp.Items))
		}
		if role == "admin" {
			first = resp
			continue
		}
		if resp.Range != first.Range {
			t.Fatalf("roles disagree on default range: %v vs %v", resp.Range, first.Range)
		}
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies?role=reviewer", nil, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("reviewer role without reviewer_id must be rejected, got %d %s", res.StatusCode, string(body))
	}

	scoped, scopedBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/studies?role=reviewer&reviewer_id=dr-rao", nil, asTester)
	if scoped.StatusCode != http.StatusOK {
		t.Fatalf("reviewer worklist: %d %s", scoped.StatusCode, string(scopedBody))
	}
	var scopedResp WorklistResponse
	_ = json.Unmarshal(scopedBody, &scopedResp)
	if len(scopedResp.Items) != 0 {
		t.Fatalf("unassigned study must not appear in reviewer view, got %d items", len(scopedResp.Items))
	}
}

func TestDashboardCounts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": id}, asTester)
	}
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/s-2/assign", map[string]any{"reviewer_id": "dr-rao"}, asTester)
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/s-3/archive", map[string]any{}, asTester)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/dashboard", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: %d %s", res.StatusCode, string(body))
	}
	var resp DashboardResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal dashboard: %v", err)
	}
	// s-1 received and s-2 assigned are both pending; archived s-3 is out.
	if resp.Pending != 2 || resp.Total != 2 {
		t.Fatalf("expected pending=2 total=2, got %+v", resp)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies", map[string]any{"id": "s-1"}, asTester)
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/studies/s-1/assign", map[string]any{"reviewer_id": "dr-rao"}, asTester)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?study_id=s-1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
	var resp EventsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(resp.Items) < 3 {
		t.Fatalf("expected received+assigned+transitioned events, got %d", len(resp.Items))
	}
	if resp.Items[0].ActorID != "tester" {
		t.Fatalf("actor not recorded on event: %+v", resp.Items[0])
	}
}
