package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/config"
	"github.com/vnihit/ontask2-UNSW/internal/dataset"
	"github.com/vnihit/ontask2-UNSW/internal/dispatch"
	"github.com/vnihit/ontask2-UNSW/internal/rules"
	"github.com/vnihit/ontask2-UNSW/internal/storage"
	"github.com/vnihit/ontask2-UNSW/internal/tracking"
	"github.com/vnihit/ontask2-UNSW/internal/transport"
)

type outbox struct {
	mu   sync.Mutex
	sent []transport.Message
}

func (o *outbox) Send(ctx context.Context, msg transport.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

type testEnv struct {
	server *Server
	store  *storage.BoltStorage
	outbox *outbox
}

func newTestEnv(t *testing.T, cfg *config.APIConfig, dispatchCfg dispatch.Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.SaveContainer(ctx, &dataset.Container{ID: "c1", Code: "COMP1511"}); err != nil {
		t.Fatal(err)
	}
	err = store.SaveDatalab(ctx, &dataset.Datalab{
		ID:          "d1",
		ContainerID: "c1",
		Name:        "students",
		Steps: []dataset.Module{dataset.NewDatasource(dataset.DatasourceModule{
			Primary: "zid",
			Fields:  []string{"zid", "email", "mark"},
			Types:   map[string]string{"zid": "text", "email": "text", "mark": "number"},
		})},
		Data: []rules.Record{
			{"zid": "z1", "email": "one@example.com", "mark": 92},
			{"zid": "z2", "email": "two@example.com", "mark": 55},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	box := &outbox{}
	exec := dispatch.NewExecutor(store, store, store, box, dispatchCfg, logger)
	pixel, err := tracking.NewService(tracking.Config{Secret: "test-secret", BaseURL: "http://ontask.test"}, store, logger)
	if err != nil {
		t.Fatal(err)
	}
	exec.SetTracker(pixel)

	if cfg == nil {
		cfg = &config.APIConfig{MaxBodyBytes: 1 << 20}
	}
	return &testEnv{
		server: NewServer(store, exec, pixel, nil, "", cfg, logger),
		store:  store,
		outbox: box,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

const campaignBody = `{
	"datalab_id": "d1",
	"name": "feedback",
	"condition_groups": [{"name": "marks", "conditions": [
		{"name": "distinction", "type": "and", "formulas": [{"field": "mark", "operator": ">=", "comparator": 75}]}
	]}],
	"content": {
		"blockMap": {"document": {"nodes": [
			{"type": "paragraph", "data": {}},
			{"type": "condition", "data": {"name": "distinction"}}
		]}},
		"html": ["<p>Hi <attribute>zid</attribute></p>", "<p>Well done</p>"]
	}
}`

func createCampaign(t *testing.T, e *testEnv) *campaign.Campaign {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var c campaign.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatal(err)
	}
	return &c
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})

	rec := e.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Version == "" {
		t.Errorf("health = %+v", resp)
	}
}

func TestCampaignLifecycle(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})
	c := createCampaign(t, e)

	if c.ContainerID != "c1" || c.Content == nil || len(c.Content.HTML) != 2 {
		t.Fatalf("created = %+v", c)
	}

	rec := e.do(t, http.MethodGet, "/api/v1/campaigns?container=c1", "")
	var list []campaign.Campaign
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != c.ID {
		t.Errorf("list = %+v", list)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/clone", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("clone status = %d", rec.Code)
	}
	var clone campaign.Campaign
	json.Unmarshal(rec.Body.Bytes(), &clone)
	if clone.Name != "feedback_cloned" || clone.ID == c.ID {
		t.Errorf("clone = %+v", clone)
	}

	rec = e.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID+"/", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}

	entries, err := e.store.ListAudit(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	var actions []string
	for _, a := range entries {
		actions = append(actions, a.Action)
	}
	if got := strings.Join(actions, ","); got != "create,clone,delete" {
		t.Errorf("audit actions = %s", got)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{
			name:   "unknown datalab",
			body:   `{"datalab_id": "nope", "name": "x"}`,
			status: http.StatusNotFound,
		},
		{
			name:   "filter on unknown field",
			body:   `{"datalab_id": "d1", "name": "x", "filter": {"type": "and", "formulas": [{"field": "age", "operator": ">", "comparator": 1}]}}`,
			status: http.StatusBadRequest,
			want:   "age",
		},
		{
			name:   "content names unknown condition",
			body:   `{"datalab_id": "d1", "name": "x", "content": {"blockMap": {"document": {"nodes": [{"type": "condition", "data": {"name": "ghost"}}]}}, "html": ["x"]}}`,
			status: http.StatusBadRequest,
			want:   "ghost",
		},
		{
			name:   "malformed content",
			body:   `{"datalab_id": "d1", "name": "x", "content": "not a template"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "missing name",
			body:   `{"datalab_id": "d1"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "bad json",
			body:   `{`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/v1/campaigns", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.want != "" && !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body %s does not mention %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})
	c := createCampaign(t, e)

	rec := e.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/preview", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var p dispatch.Preview
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	want := []string{"<p>Hi z1</p><p>Well done</p>", "<p>Hi z2</p>"}
	if len(p.Content) != 2 || p.Content[0] != want[0] || p.Content[1] != want[1] {
		t.Errorf("content = %q, want %q", p.Content, want)
	}

	// unsaved content from the body
	body := `{"content": {"blockMap": {"document": {"nodes": [{"type": "paragraph", "data": {}}]}}, "html": ["<attribute>email</attribute>"]}}`
	rec = e.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/preview", body)
	json.Unmarshal(rec.Body.Bytes(), &p)
	if len(p.Content) != 2 || p.Content[1] != "two@example.com" {
		t.Errorf("content = %q", p.Content)
	}
}

func TestSendAndJobs(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})
	c := createCampaign(t, e)

	rec := e.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/send",
		`{"subject": "Marks", "field": "email", "include_tracking": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var job campaign.EmailJob
	json.Unmarshal(rec.Body.Bytes(), &job)
	if len(job.Emails) != 2 || job.Emails[0].Content != "" {
		t.Errorf("job = %+v", job)
	}
	if len(e.outbox.sent) != 2 || !strings.Contains(e.outbox.sent[0].HTML, "/action/read_receipt/?email=") {
		t.Fatalf("sent = %+v", e.outbox.sent)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/jobs", "")
	var jobs JobsResponse
	json.Unmarshal(rec.Body.Bytes(), &jobs)
	if jobs.Total != 1 || jobs.Jobs[0].JobID != job.JobID {
		t.Errorf("jobs = %+v", jobs)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/jobs/"+job.JobID, "")
	var full campaign.EmailJob
	json.Unmarshal(rec.Body.Bytes(), &full)
	if full.Emails[0].Content != "<p>Hi z1</p><p>Well done</p>" {
		t.Errorf("stored content = %q", full.Emails[0].Content)
	}

	stored, _ := e.store.GetCampaign(context.Background(), c.ID)
	if stored.EmailSettings == nil || stored.EmailSettings.Subject != "Marks" {
		t.Errorf("settings = %+v", stored.EmailSettings)
	}
}

func TestTrackingPixel(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})
	c := createCampaign(t, e)
	e.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/send", `{"subject": "Marks", "field": "email", "include_tracking": true}`)

	html := e.outbox.sent[0].HTML
	start := strings.Index(html, "/action/read_receipt/")
	end := strings.Index(html[start:], `"`)
	path := html[start : start+end]

	for _, p := range []string{path, "/action/read_receipt/?email=forged", "/action/read_receipt/"} {
		rec := e.do(t, http.MethodGet, p, "")
		if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/gif" {
			t.Errorf("%s: status = %d, type = %s", p, rec.Code, rec.Header().Get("Content-Type"))
		}
		if !bytes.Equal(rec.Body.Bytes(), tracking.Pixel()) {
			t.Errorf("%s: body is not the pixel", p)
		}
	}

	jobs, _ := e.store.ListJobs(context.Background(), c.ID)
	if jobs[0].Emails[0].FirstTracked == nil || jobs[0].Emails[1].FirstTracked != nil {
		t.Errorf("emails = %+v", jobs[0].Emails)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		cfg    dispatch.Config
		path   string
		body   string
		status int
	}{
		{"unknown campaign", dispatch.Config{}, "/api/v1/campaigns/missing/send", `{"subject": "s", "field": "email"}`, http.StatusNotFound},
		{"demo mode", dispatch.Config{DemoMode: true}, "/api/v1/campaigns/%s/send", `{"subject": "s", "field": "email"}`, http.StatusForbidden},
		{"unknown email field", dispatch.Config{}, "/api/v1/campaigns/%s/send", `{"subject": "s", "field": "phone"}`, http.StatusBadRequest},
		{"missing subject", dispatch.Config{}, "/api/v1/campaigns/%s/send", `{"field": "email"}`, http.StatusBadRequest},
		{"bad schedule", dispatch.Config{}, "/api/v1/campaigns/%s/schedule", `{"frequency": "hourly"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil, tt.cfg)
			c := createCampaign(t, e)

			method := http.MethodPost
			if strings.HasSuffix(tt.path, "/schedule") {
				method = http.MethodPatch
			}
			path := strings.Replace(tt.path, "%s", c.ID, 1)
			rec := e.do(t, method, path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == "" {
				t.Errorf("error body = %s", rec.Body.String())
			}
		})
	}
}

func TestSchedule(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})
	c := createCampaign(t, e)

	rec := e.do(t, http.MethodPatch, "/api/v1/campaigns/"+c.ID+"/schedule",
		`{"time": "2026-01-01T09:00:00Z", "frequency": "weekly", "dayOfWeek": ["mon", "thu"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated campaign.Campaign
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Schedule == nil || len(updated.Schedule.DayOfWeek) != 2 {
		t.Errorf("schedule = %+v", updated.Schedule)
	}

	rec = e.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID+"/schedule", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	stored, _ := e.store.GetCampaign(context.Background(), c.ID)
	if stored.Schedule != nil {
		t.Errorf("schedule not cleared: %+v", stored.Schedule)
	}
}

func TestDatalabFilter(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})

	rec := e.do(t, http.MethodPut, "/api/v1/datalabs/d1/filter",
		`{"parameters": ["mark"], "conditions": [{"formulas": [{"operator": ">", "comparator": "60"}]}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res rules.Result
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.FilteredLength != 1 || res.UnfilteredLength != 2 || res.Data[0]["zid"] != "z1" {
		t.Errorf("result = %+v", res)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/datalabs/d1/data", "")
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.FilteredLength != 1 {
		t.Errorf("stored filter not applied: %+v", res)
	}
}

func TestContainers(t *testing.T) {
	e := newTestEnv(t, nil, dispatch.Config{})
	createCampaign(t, e)

	rec := e.do(t, http.MethodPost, "/api/v1/containers", `{"code": "COMP2521"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/api/v1/containers", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing code status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodDelete, "/api/v1/containers/c1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	list, _ := e.store.ListCampaigns(context.Background(), "")
	if len(list) != 0 {
		t.Errorf("campaigns left after container delete: %d", len(list))
	}
	rec = e.do(t, http.MethodGet, "/api/v1/datalabs/d1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("datalab status = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.APIConfig{APIKeys: []string{string(hash)}, MaxBodyBytes: 1 << 20}
	e := newTestEnv(t, cfg, dispatch.Config{})

	tests := []struct {
		name   string
		header []string
		status int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"wrong key", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"x-api-key", []string{"X-API-Key", "s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodGet, "/api/v1/containers", "", tt.header...)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}

	// health and the pixel stay open
	if rec := e.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/action/read_receipt/?email=x", ""); rec.Code != http.StatusOK {
		t.Errorf("pixel status = %d", rec.Code)
	}

	rec := e.do(t, http.MethodPost, "/api/v1/containers", `{"code": "X"}`, "X-API-Key", "s3cret")
	var c dataset.Container
	json.Unmarshal(rec.Body.Bytes(), &c)
	if c.Owner != "api-key-0" {
		t.Errorf("owner = %q", c.Owner)
	}
}

func TestBodyLimit(t *testing.T) {
	e := newTestEnv(t, &config.APIConfig{MaxBodyBytes: 64}, dispatch.Config{})

	body := `{"code": "` + strings.Repeat("x", 200) + `"}`
	rec := e.do(t, http.MethodPost, "/api/v1/containers", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}
