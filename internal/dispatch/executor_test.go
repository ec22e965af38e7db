package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vnihit/ontask2-UNSW/internal/campaign"
	"github.com/vnihit/ontask2-UNSW/internal/content"
	"github.com/vnihit/ontask2-UNSW/internal/dataset"
	"github.com/vnihit/ontask2-UNSW/internal/rules"
	"github.com/vnihit/ontask2-UNSW/internal/storage"
	"github.com/vnihit/ontask2-UNSW/internal/tracking"
	"github.com/vnihit/ontask2-UNSW/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a transport that remembers every message and rejects the
// addresses listed in reject
type recorder struct {
	mu     sync.Mutex
	sent   []transport.Message
	reject map[string]error
	delay  func(to string) time.Duration
}

func (r *recorder) Send(ctx context.Context, msg transport.Message) error {
	if r.delay != nil {
		time.Sleep(r.delay(msg.To))
	}
	if err := r.reject[msg.To]; err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	return nil
}

func scoreContent() *content.Template {
	return &content.Template{
		BlockMap: content.BlockMap{Document: content.Document{Nodes: []content.Block{
			{Type: content.BlockCondition, Data: content.BlockData{Name: "high"}},
			{Type: "paragraph"},
		}}},
		HTML: []string{"VIP<attribute>id</attribute>", "Hi<attribute>id</attribute>"},
	}
}

func newFixture(t *testing.T, records []rules.Record, cfg Config) (*Executor, *storage.BoltStorage, *recorder) {
	t.Helper()
	ctx := context.Background()

	s, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.SaveContainer(ctx, &dataset.Container{ID: "c1", Code: "COMP1511"}); err != nil {
		t.Fatal(err)
	}
	dl := &dataset.Datalab{
		ID:          "d1",
		ContainerID: "c1",
		Name:        "students",
		Steps: []dataset.Module{dataset.NewDatasource(dataset.DatasourceModule{
			Primary: "id",
			Fields:  []string{"id", "email", "score"},
			Types:   map[string]string{"id": "number", "email": "text", "score": "number"},
		})},
		Data: records,
	}
	if err := s.SaveDatalab(ctx, dl); err != nil {
		t.Fatal(err)
	}
	c := &campaign.Campaign{
		ID:          "a1",
		ContainerID: "c1",
		DatalabID:   "d1",
		Name:        "results",
		ConditionGroups: []rules.ConditionGroup{{Name: "scores", Conditions: []rules.Condition{
			{Name: "high", Type: rules.TypeAnd, Formulas: []rules.Formula{
				{Field: "score", Operator: rules.OpGreaterEqual, Comparator: 80},
			}},
			{Name: "unused", Type: rules.TypeAnd, Formulas: []rules.Formula{
				{Field: "score", Operator: rules.OpLess, Comparator: 10},
			}},
		}}},
		Content: scoreContent(),
	}
	if err := s.SaveCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	return NewExecutor(s, s, s, rec, cfg, testLogger()), s, rec
}

var threeStudents = []rules.Record{
	{"id": 1, "email": "a@example.com", "score": 90},
	{"id": 2, "email": "b@example.com", "score": 40},
	{"id": 3, "email": "c@example.com", "score": 85},
}

var settings = campaign.EmailSettings{Subject: "Your results", Field: "email", ReplyTo: "lecturer@example.com"}

func TestRunManualRecordsFailures(t *testing.T) {
	exec, store, rec := newFixture(t, threeStudents, Config{})
	rec.reject = map[string]error{"b@example.com": &transport.DeliveryError{Message: "550 no such user"}}
	ctx := context.Background()

	job, err := exec.RunManual(ctx, "a1", settings)
	if err != nil {
		t.Fatalf("RunManual() error = %v", err)
	}

	if job.Type != campaign.JobManual || job.Subject != "Your results" {
		t.Errorf("job = %+v", job)
	}
	if len(job.Emails) != 2 || len(job.Failed) != 1 {
		t.Fatalf("emails = %d, failed = %d, want 2 and 1", len(job.Emails), len(job.Failed))
	}
	if job.Emails[0].Content != "VIP1Hi1" || job.Emails[1].Content != "VIP3Hi3" {
		t.Errorf("contents = %q, %q", job.Emails[0].Content, job.Emails[1].Content)
	}
	if job.Failed[0].Recipient != "b@example.com" || !strings.Contains(job.Failed[0].Reason, "550") {
		t.Errorf("failed = %+v", job.Failed[0])
	}
	if rec.sent[0].ReplyTo != "lecturer@example.com" {
		t.Errorf("ReplyTo = %q", rec.sent[0].ReplyTo)
	}

	stored, err := store.GetJob(ctx, "a1", job.JobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if len(stored.Emails) != 2 || len(stored.Failed) != 1 {
		t.Errorf("stored job = %+v", stored)
	}

	c, _ := store.GetCampaign(ctx, "a1")
	if c.EmailSettings == nil || c.EmailSettings.Subject != "Your results" {
		t.Errorf("settings not persisted: %+v", c.EmailSettings)
	}
}

func TestRunManualAppliesFilter(t *testing.T) {
	exec, store, rec := newFixture(t, threeStudents, Config{})
	ctx := context.Background()

	c, _ := store.GetCampaign(ctx, "a1")
	c.Filter = &rules.Filter{Type: rules.TypeAnd, Formulas: []rules.Formula{
		{Field: "score", Operator: rules.OpGreater, Comparator: 50},
	}}
	if err := store.SaveCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}

	job, err := exec.RunManual(ctx, "a1", settings)
	if err != nil {
		t.Fatalf("RunManual() error = %v", err)
	}
	if len(job.Emails) != 2 || len(rec.sent) != 2 {
		t.Errorf("sent %d emails, want 2", len(rec.sent))
	}
	for _, m := range rec.sent {
		if m.To == "b@example.com" {
			t.Error("filtered record was sent")
		}
	}
}

func TestRunManualMissingRecipient(t *testing.T) {
	records := []rules.Record{
		{"id": 1, "email": "a@example.com", "score": 90},
		{"id": 2, "score": 95},
	}
	exec, _, _ := newFixture(t, records, Config{})

	job, err := exec.RunManual(context.Background(), "a1", settings)
	if err != nil {
		t.Fatalf("RunManual() error = %v", err)
	}
	if len(job.Emails) != 1 || len(job.Failed) != 1 {
		t.Fatalf("emails = %d, failed = %d", len(job.Emails), len(job.Failed))
	}
	if !strings.Contains(job.Failed[0].Reason, "'email'") {
		t.Errorf("reason = %q", job.Failed[0].Reason)
	}
}

func TestRunManualTrackingMarker(t *testing.T) {
	exec, store, rec := newFixture(t, threeStudents, Config{})
	tracker, err := tracking.NewService(tracking.Config{Secret: "k", BaseURL: "https://ontask.example"}, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	exec.SetTracker(tracker)

	withTracking := settings
	withTracking.IncludeTracking = true
	job, err := exec.RunManual(context.Background(), "a1", withTracking)
	if err != nil {
		t.Fatalf("RunManual() error = %v", err)
	}
	if !job.IncludedTracking {
		t.Error("IncludedTracking = false")
	}

	for _, m := range rec.sent {
		if !strings.Contains(m.HTML, `/action/read_receipt/?email=`) {
			t.Errorf("sent HTML to %s has no tracking marker", m.To)
		}
	}
	for _, e := range job.Emails {
		if strings.Contains(e.Content, "<img") {
			t.Errorf("recorded content for %s contains the marker", e.Recipient)
		}
	}

	// a hit on the sent marker is applied to the stored job
	html := rec.sent[0].HTML
	start := strings.Index(html, "email=") + len("email=")
	token := html[start : len(html)-len(`"/>`)]
	token, _ = url.QueryUnescape(token)
	tracker.RecordHit(context.Background(), token)

	stored, _ := store.GetJob(context.Background(), "a1", job.JobID)
	if stored.FindEmail(rec.sent[0].To).FirstTracked == nil {
		t.Error("tracking hit not applied")
	}
}

func TestRunManualConcurrentKeepsOrder(t *testing.T) {
	var records []rules.Record
	for i := 1; i <= 20; i++ {
		records = append(records, rules.Record{"id": i, "email": string(rune('a'+i)) + "@example.com", "score": 90})
	}
	exec, _, rec := newFixture(t, records, Config{Concurrency: 6})
	// later recipients finish first
	rec.delay = func(to string) time.Duration {
		return time.Duration('z'-to[0]) * time.Millisecond
	}

	job, err := exec.RunManual(context.Background(), "a1", settings)
	if err != nil {
		t.Fatalf("RunManual() error = %v", err)
	}
	if len(job.Emails) != len(records) {
		t.Fatalf("emails = %d, want %d", len(job.Emails), len(records))
	}
	for i, e := range job.Emails {
		if e.Recipient != records[i]["email"] {
			t.Fatalf("Emails[%d] = %s, want %s", i, e.Recipient, records[i]["email"])
		}
	}
}

func TestRunManualRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("demo mode", func(t *testing.T) {
		exec, _, rec := newFixture(t, threeStudents, Config{DemoMode: true})
		if _, err := exec.RunManual(ctx, "a1", settings); !errors.Is(err, ErrDispatchDisabled) {
			t.Errorf("error = %v, want ErrDispatchDisabled", err)
		}
		if len(rec.sent) != 0 {
			t.Error("demo mode sent email")
		}
	})

	t.Run("empty content", func(t *testing.T) {
		exec, store, _ := newFixture(t, threeStudents, Config{})
		c, _ := store.GetCampaign(ctx, "a1")
		c.Content = &content.Template{}
		store.SaveCampaign(ctx, c)
		if _, err := exec.RunManual(ctx, "a1", settings); !errors.Is(err, ErrNoContent) {
			t.Errorf("error = %v, want ErrNoContent", err)
		}
	})

	t.Run("tracking without tracker", func(t *testing.T) {
		exec, store, rec := newFixture(t, threeStudents, Config{})
		withTracking := settings
		withTracking.IncludeTracking = true
		if _, err := exec.RunManual(ctx, "a1", withTracking); !errors.Is(err, ErrNoTracker) {
			t.Errorf("error = %v, want ErrNoTracker", err)
		}
		if len(rec.sent) != 0 {
			t.Error("email sent without a tracker")
		}
		if jobs, _ := store.ListJobs(ctx, "a1"); len(jobs) != 0 {
			t.Errorf("jobs = %d, want 0", len(jobs))
		}
	})

	t.Run("unknown email field", func(t *testing.T) {
		exec, _, _ := newFixture(t, threeStudents, Config{})
		bad := settings
		bad.Field = "mail"
		var verr *campaign.ValidationError
		if _, err := exec.RunManual(ctx, "a1", bad); !errors.As(err, &verr) || verr.Kind != campaign.KindEmailField {
			t.Errorf("error = %v, want email field validation error", err)
		}
	})

	t.Run("run in progress", func(t *testing.T) {
		exec, _, _ := newFixture(t, threeStudents, Config{})
		unlock, err := exec.locker.TryLock(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := exec.RunManual(ctx, "a1", settings); !errors.Is(err, ErrRunInProgress) {
			t.Errorf("error = %v, want ErrRunInProgress", err)
		}
		unlock()
		if _, err := exec.RunManual(ctx, "a1", settings); err != nil {
			t.Errorf("RunManual() after unlock error = %v", err)
		}
	})

	t.Run("unknown campaign", func(t *testing.T) {
		exec, _, _ := newFixture(t, threeStudents, Config{})
		if _, err := exec.RunManual(ctx, "missing", settings); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestRunScheduled(t *testing.T) {
	exec, store, rec := newFixture(t, threeStudents, Config{})
	ctx := context.Background()

	if _, err := exec.RunScheduled(ctx, "a1"); !errors.Is(err, ErrNoEmailSettings) {
		t.Fatalf("RunScheduled() without settings error = %v", err)
	}

	if err := store.SaveEmailSettings(ctx, "a1", settings); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return now }

	job, err := exec.RunScheduled(ctx, "a1")
	if err != nil {
		t.Fatalf("RunScheduled() error = %v", err)
	}
	if job.Type != campaign.JobScheduled || len(rec.sent) != 3 {
		t.Errorf("job type = %s, sent = %d", job.Type, len(rec.sent))
	}

	c, _ := store.GetCampaign(ctx, "a1")
	if c.LastScheduledAt == nil || !c.LastScheduledAt.Equal(now) {
		t.Errorf("LastScheduledAt = %v, want %v", c.LastScheduledAt, now)
	}
}

func TestPreview(t *testing.T) {
	exec, _, rec := newFixture(t, threeStudents, Config{DemoMode: true})
	ctx := context.Background()

	p, err := exec.Preview(ctx, "a1", nil)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	want := []string{"VIP1Hi1", "Hi2", "VIP3Hi3"}
	if len(p.Content) != len(want) || len(p.Data) != 3 {
		t.Fatalf("Preview() = %+v", p)
	}
	for i := range want {
		if p.Content[i] != want[i] {
			t.Errorf("Content[%d] = %q, want %q", i, p.Content[i], want[i])
		}
	}
	if len(rec.sent) != 0 {
		t.Error("Preview() sent email")
	}

	raw := map[string]any{
		"blockMap": map[string]any{"document": map[string]any{"nodes": []any{
			map[string]any{"type": "condition", "data": map[string]any{"name": "nope"}},
		}}},
		"html": []any{"x"},
	}
	var verr *campaign.ValidationError
	if _, err := exec.Preview(ctx, "a1", raw); !errors.As(err, &verr) || verr.Kind != campaign.KindUnknownCondition {
		t.Errorf("Preview() with unknown condition error = %v", err)
	}
}
