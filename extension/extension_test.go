package extension_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	forgetesting "github.com/xraph/forge/testing"
	"github.com/xraph/relay"
	revent "github.com/xraph/relay/event"
	relaymemory "github.com/xraph/relay/store/memory"

	"github.com/xraph/batch"
	"github.com/xraph/batch/dwp"
	"github.com/xraph/batch/extension"
	"github.com/xraph/batch/job"
	relayhook "github.com/xraph/batch/relay_hook"
	"github.com/xraph/batch/store/memory"
	"github.com/xraph/batch/stream"
)

const reportType job.Type = "report"

// ──────────────────────────────────────────────────
// Metadata
// ──────────────────────────────────────────────────

func TestExtension_Metadata(t *testing.T) {
	ext := extension.New()

	if ext.Name() != extension.ExtensionName {
		t.Errorf("Name() = %q, want %q", ext.Name(), extension.ExtensionName)
	}
	if ext.Description() != extension.ExtensionDescription {
		t.Errorf("Description() = %q, want %q", ext.Description(), extension.ExtensionDescription)
	}
	if ext.Version() != extension.ExtensionVersion {
		t.Errorf("Version() = %q, want %q", ext.Version(), extension.ExtensionVersion)
	}
	if deps := ext.Dependencies(); len(deps) != 0 {
		t.Errorf("Dependencies() = %v, want empty", deps)
	}
}

// ──────────────────────────────────────────────────
// Register → Engine + API initialized
// ──────────────────────────────────────────────────

func TestExtension_Register(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
	)

	fapp := forgetesting.NewTestApp("test-app", "0.1.0")

	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if ext.Engine() == nil {
		t.Fatal("expected engine to be initialized after Register")
	}
	if ext.API() == nil {
		t.Fatal("expected API handler to be initialized after Register")
	}
	if ext.DWPServer() != nil {
		t.Error("expected no DWP server unless enabled")
	}
	if got := ext.Config().BasePath; got != "/api/batch" {
		t.Errorf("BasePath = %q, want /api/batch", got)
	}
}

// ──────────────────────────────────────────────────
// Full lifecycle: Register → Start → Health → Stop
// ──────────────────────────────────────────────────

func TestExtension_Lifecycle(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithSchedulerID(3),
		extension.WithJobType(reportType, job.WithMaxAttempts(5)),
		extension.WithWorkerPool(7, 2),
	)

	fapp := forgetesting.NewTestApp("lifecycle-app", "0.1.0")

	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ext.Engine().Pool() == nil {
		t.Fatal("expected worker pool when a worker ID is configured")
	}

	ctx := context.Background()
	if err := ext.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := ext.Health(ctx); err != nil {
		t.Errorf("Health: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := ext.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Register + AddJob via engine
// ──────────────────────────────────────────────────

func TestExtension_RegisterAndAddJob(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithJobType(reportType),
	)

	fapp := forgetesting.NewTestApp("add-job-app", "0.1.0")

	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	j, err := ext.Engine().AddJob(context.Background(), reportType, []byte(`{"n":1}`), job.ForPartner(42))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if j.Type != reportType {
		t.Errorf("job.Type = %q, want %q", j.Type, reportType)
	}
	if j.Status != job.StatusPending {
		t.Errorf("job.Status = %q, want %q", j.Status, job.StatusPending)
	}
	if j.PartnerID != 42 {
		t.Errorf("job.PartnerID = %d, want 42", j.PartnerID)
	}

	if _, err := ext.Engine().AddJob(context.Background(), "unknown", nil); !errors.Is(err, batch.ErrUnknownJobType) {
		t.Errorf("AddJob(unknown) = %v, want ErrUnknownJobType", err)
	}
}

// ──────────────────────────────────────────────────
// Calls before Register
// ──────────────────────────────────────────────────

func TestExtension_StartBeforeRegister(t *testing.T) {
	ext := extension.New()

	if err := ext.Start(context.Background()); err == nil {
		t.Fatal("expected error when starting before Register")
	}
}

func TestExtension_HealthBeforeRegister(t *testing.T) {
	ext := extension.New()

	if err := ext.Health(context.Background()); err == nil {
		t.Fatal("expected error when checking health before Register")
	}
}

func TestExtension_StopBeforeRegister(t *testing.T) {
	ext := extension.New()

	if err := ext.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Register should be no-op, got: %v", err)
	}
}

func TestExtension_HandlerBeforeRegister(t *testing.T) {
	ext := extension.New()

	rec := httptest.NewRecorder()
	ext.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/partner-loads", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ──────────────────────────────────────────────────
// Register without store fails
// ──────────────────────────────────────────────────

func TestExtension_RegisterNoStore(t *testing.T) {
	ext := extension.New()
	fapp := forgetesting.NewTestApp("no-store-app", "0.1.0")

	if err := ext.Register(fapp); err == nil {
		t.Fatal("expected error when registering without a store")
	}
}

func TestExtension_RegisterMissingGroveDatabase(t *testing.T) {
	ext := extension.New(extension.WithGroveDatabase("jobs"))
	fapp := forgetesting.NewTestApp("no-grove-app", "0.1.0")

	if err := ext.Register(fapp); err == nil {
		t.Fatal("expected error when the named grove database is not in the container")
	}
}

// ──────────────────────────────────────────────────
// Route options
// ──────────────────────────────────────────────────

func TestExtension_RoutesMounted(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithJobType(reportType),
		extension.WithBasePath("/batch"),
	)

	fapp := forgetesting.NewTestApp("routes-app", "0.1.0")
	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	srv := httptest.NewServer(fapp.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/batch/v1/queues/report/size")
	if err != nil {
		t.Fatalf("GET queue size: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestExtension_DisableRoutes(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithDisableRoutes(),
	)

	fapp := forgetesting.NewTestApp("no-routes-app", "0.1.0")

	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Engine should still be available.
	if ext.Engine() == nil {
		t.Fatal("expected engine even with routes disabled")
	}

	srv := httptest.NewServer(fapp.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/batch/v1/partner-loads")
	if err != nil {
		t.Fatalf("GET partner loads: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("expected routes to be absent when disabled")
	}
}

// ──────────────────────────────────────────────────
// DisableMigrate option
// ──────────────────────────────────────────────────

func TestExtension_DisableMigrate(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithDisableMigrate(),
	)

	fapp := forgetesting.NewTestApp("no-migrate-app", "0.1.0")

	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := ext.Start(ctx); err != nil {
		t.Fatalf("Start with DisableMigrate: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = ext.Stop(stopCtx)
}

// ──────────────────────────────────────────────────
// WithConfig option
// ──────────────────────────────────────────────────

func TestExtension_WithConfig(t *testing.T) {
	cfg := extension.DefaultConfig()
	cfg.Batch.SchedulerID = 9
	cfg.Batch.DefaultMaxAttempts = 7
	cfg.Slots = 0

	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithConfig(cfg),
	)

	fapp := forgetesting.NewTestApp("config-app", "0.1.0")
	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := ext.Engine().Service().Config()
	if got.SchedulerID != 9 {
		t.Errorf("SchedulerID = %d, want 9", got.SchedulerID)
	}
	if got.DefaultMaxAttempts != 7 {
		t.Errorf("DefaultMaxAttempts = %d, want 7", got.DefaultMaxAttempts)
	}
	if got.DefaultMaxExecutionTime != batch.DefaultConfig().DefaultMaxExecutionTime {
		t.Errorf("DefaultMaxExecutionTime = %v, want default", got.DefaultMaxExecutionTime)
	}
	if ext.Config().Slots != extension.DefaultConfig().Slots {
		t.Errorf("Slots = %d, want default %d", ext.Config().Slots, extension.DefaultConfig().Slots)
	}
}

func TestExtension_RequireConfig(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithRequireConfig(true),
	)

	fapp := forgetesting.NewTestApp("require-config-app", "0.1.0")
	if err := ext.Register(fapp); err == nil {
		t.Fatal("expected error when config is required but missing")
	}
}

// ──────────────────────────────────────────────────
// Standalone handler
// ──────────────────────────────────────────────────

func TestExtension_Handler(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithJobType(reportType),
		extension.WithDisableRoutes(),
	)

	fapp := forgetesting.NewTestApp("handler-app", "0.1.0")
	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"job_type": "report", "partner_id": 5})
	rec := httptest.NewRecorder()
	ext.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if j.PartnerID != 5 || j.Type != reportType {
		t.Errorf("job = %+v, want partner 5 of type report", j)
	}
}

// ──────────────────────────────────────────────────
// DWP
// ──────────────────────────────────────────────────

func TestExtension_DWP(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithDWP(dwp.WithAuth(dwp.NewAPIKeyAuthenticator(dwp.APIKeyEntry{
			Token:    "secret",
			Identity: dwp.Identity{Subject: "proc", Scopes: []string{dwp.ScopeQueueRead}},
		}))),
	)

	fapp := forgetesting.NewTestApp("dwp-app", "0.1.0")
	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ext.DWPServer() == nil {
		t.Fatal("expected DWP server when enabled")
	}

	srv := httptest.NewServer(fapp.Router())
	defer srv.Close()

	frame, err := dwp.NewRequestFrame(dwp.GenerateFrameID(), dwp.MethodQueueSize, dwp.QueueSizeRequest{
		SchedulerID: 1, WorkerID: 1, JobType: reportType,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	frame.Token = "secret"
	body, _ := json.Marshal(frame)

	resp, err := http.Post(srv.URL+ext.DWPServer().BasePath()+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST rpc: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out dwp.Frame
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	var size dwp.QueueSizeResponse
	if err := json.Unmarshal(out.Data, &size); err != nil {
		t.Fatalf("decode size: %v", err)
	}
	if size.Size != 0 {
		t.Errorf("size = %d, want 0", size.Size)
	}
}

func TestExtension_EventStream(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithJobType(reportType),
		extension.WithDWP(),
		extension.WithEventStream(stream.WithBufferSize(8)),
	)

	fapp := forgetesting.NewTestApp("events-app", "0.1.0")
	if err := ext.Register(fapp); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ext.Broker() == nil {
		t.Fatal("expected broker when events are enabled")
	}
	if ext.DWPServer().Broker() != ext.Broker() {
		t.Fatal("DWP server should stream from the extension broker")
	}

	sub := ext.Broker().Subscribe("test", stream.TypeTopic(reportType))
	j, err := ext.Engine().AddJob(context.Background(), reportType, nil, job.ForPartner(3))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	select {
	case evt := <-sub.C():
		if evt.Type != stream.EventJobCreated || evt.Topic != stream.JobTopic(j.ID.String()) {
			t.Errorf("event = %s on %s", evt.Type, evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job.created")
	}
}

func TestExtension_EventStreamNeedsDWP(t *testing.T) {
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithEventStream(),
	)
	if err := ext.Register(forgetesting.NewTestApp("no-dwp-app", "0.1.0")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ext.Broker() != nil {
		t.Error("broker should stay off without DWP")
	}
}

func TestExtension_RelayWebhooks(t *testing.T) {
	r, err := relay.New(relay.WithStore(relaymemory.New()))
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	ext := extension.New(
		extension.WithStore(memory.New()),
		extension.WithJobType(reportType),
		extension.WithRelay(r),
	)
	if err := ext.Register(forgetesting.NewTestApp("relay-app", "0.1.0")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := ext.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ext.Stop(context.Background()) })

	if _, err := ext.Engine().AddJob(ctx, reportType, nil, job.ForPartner(8)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	events, err := r.Store().ListEvents(ctx, revent.ListOpts{Type: relayhook.EventJobCreated, Limit: 10})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].TenantID != "8" {
		t.Fatalf("events = %+v, want one job.created for tenant 8", events)
	}
}
