package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/mediabackend"
)

type trackCall struct {
	flavor string
	path   string
}

type mockBackend struct {
	mu sync.Mutex

	packageID     string
	templateRules []mediabackend.ACLRule
	createErr     error
	catalogErr    error
	ingestErr     error
	trackErr      error

	calls         []string
	catalogs      [][]byte
	attachments   [][]byte
	tracks        []trackCall
	templateAsked string
	workflow      string
	configuration map[string]string
	rawSeen       []string
	blockIngest   bool
}

func (m *mockBackend) record(call string, pkg mediabackend.Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.rawSeen = append(m.rawSeen, pkg.Raw)
}

func (m *mockBackend) next(pkg mediabackend.Package, step string) mediabackend.Package {
	return mediabackend.Package{ID: pkg.ID, Raw: pkg.Raw + "+" + step}
}

func (m *mockBackend) CreateMediaPackage(_ context.Context) (mediabackend.Package, error) {
	m.record("create", mediabackend.Package{})
	if m.createErr != nil {
		return mediabackend.Package{}, m.createErr
	}
	return mediabackend.Package{ID: m.packageID, Raw: "mp"}, nil
}

func (m *mockBackend) AddCatalog(_ context.Context, pkg mediabackend.Package, flavor string, catalog []byte) (mediabackend.Package, error) {
	m.record("catalog:"+flavor, pkg)
	if m.catalogErr != nil {
		return mediabackend.Package{}, m.catalogErr
	}
	m.catalogs = append(m.catalogs, catalog)
	return m.next(pkg, "catalog"), nil
}

func (m *mockBackend) AddAttachment(_ context.Context, pkg mediabackend.Package, flavor string, attachment []byte) (mediabackend.Package, error) {
	m.record("attachment:"+flavor, pkg)
	m.attachments = append(m.attachments, attachment)
	return m.next(pkg, "acl"), nil
}

func (m *mockBackend) AddTrack(_ context.Context, pkg mediabackend.Package, flavor string, path string) (mediabackend.Package, error) {
	m.record("track", pkg)
	if m.trackErr != nil {
		return mediabackend.Package{}, m.trackErr
	}
	m.tracks = append(m.tracks, trackCall{flavor: flavor, path: path})
	return m.next(pkg, "track"), nil
}

func (m *mockBackend) Ingest(ctx context.Context, pkg mediabackend.Package, workflow string, configuration map[string]string) (mediabackend.Package, error) {
	m.record("ingest", pkg)
	if m.blockIngest {
		<-ctx.Done()
		return mediabackend.Package{}, ctx.Err()
	}
	if m.ingestErr != nil {
		return mediabackend.Package{}, m.ingestErr
	}
	m.workflow = workflow
	m.configuration = configuration
	return m.next(pkg, "ingest"), nil
}

func (m *mockBackend) ACLTemplate(_ context.Context, name string) ([]mediabackend.ACLRule, error) {
	m.record("acl-template", mediabackend.Package{})
	m.templateAsked = name
	return m.templateRules, nil
}

func writeRecording(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatalf("failed to write recording: %v", err)
	}
	return path
}

func defaultOptions() Options {
	return Options{
		CustomACL:        []mediabackend.ACLRule{{Role: "ROLE_ADMIN", Action: "read", Allow: true}},
		WorkflowSingle:   "single",
		WorkflowMultiple: "multiple",
		CallTimeout:      time.Second,
	}
}

func testJob(paths ...string) ingest.Job {
	return ingest.Job{
		ID:               "job-1",
		CorrelationToken: "room-1",
		OriginSource:     "plugnmeet",
		RecordingPaths:   paths,
		EventMetadata:    ingest.EventMetadata{Title: "Lecture", Started: time.Now()},
	}
}

func TestBuild_SingleTrack(t *testing.T) {
	dir := t.TempDir()
	r1 := writeRecording(t, dir, "r1.mp4")
	backend := &mockBackend{packageID: "mp-123"}

	id, err := New(backend, defaultOptions()).Build(context.Background(), testJob(r1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "mp-123" {
		t.Fatalf("unexpected package id: %s", id)
	}
	want := []string{"create", "catalog:dublincore/episode", "attachment:security/xacml+episode", "track", "ingest"}
	if strings.Join(backend.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected call order: %v", backend.calls)
	}
	if len(backend.tracks) != 1 || backend.tracks[0].flavor != "presentation/source" || backend.tracks[0].path != r1 {
		t.Fatalf("unexpected tracks: %+v", backend.tracks)
	}
	if backend.workflow != "single" {
		t.Fatalf("expected single workflow, got %s", backend.workflow)
	}
}

func TestBuild_ThreadsPackageBetweenStages(t *testing.T) {
	dir := t.TempDir()
	backend := &mockBackend{packageID: "mp-1"}
	if _, err := New(backend, defaultOptions()).Build(context.Background(), testJob(writeRecording(t, dir, "a.mp4"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"", "mp", "mp+catalog", "mp+catalog+acl", "mp+catalog+acl+track"}
	if strings.Join(backend.rawSeen, "|") != strings.Join(want, "|") {
		t.Fatalf("package was not threaded: %v", backend.rawSeen)
	}
}

func TestBuild_MultipleTracks(t *testing.T) {
	dir := t.TempDir()
	r1 := writeRecording(t, dir, "r1.mp4")
	r2 := writeRecording(t, dir, "r2.mp4")
	backend := &mockBackend{packageID: "mp-2"}

	if _, err := New(backend, defaultOptions()).Build(context.Background(), testJob(r1, r2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(backend.tracks))
	}
	if backend.tracks[0].flavor != "presentation-0/source" || backend.tracks[1].flavor != "presentation-1/source" {
		t.Fatalf("unexpected flavors: %+v", backend.tracks)
	}
	if backend.tracks[0].path != r1 || backend.tracks[1].path != r2 {
		t.Fatalf("tracks out of order: %+v", backend.tracks)
	}
	if backend.workflow != "multiple" {
		t.Fatalf("expected multiple workflow, got %s", backend.workflow)
	}
}

func TestBuild_MissingFileSkipped(t *testing.T) {
	dir := t.TempDir()
	r1 := writeRecording(t, dir, "r1.mp4")
	backend := &mockBackend{packageID: "mp-3"}

	_, err := New(backend, defaultOptions()).Build(context.Background(), testJob(filepath.Join(dir, "gone.mp4"), r1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.tracks) != 1 || backend.tracks[0].flavor != "presentation/source" {
		t.Fatalf("unexpected tracks: %+v", backend.tracks)
	}
	if backend.workflow != "single" {
		t.Fatalf("expected single workflow for one attached track, got %s", backend.workflow)
	}
}

func TestBuild_NoTracks(t *testing.T) {
	backend := &mockBackend{packageID: "mp-4"}
	_, err := New(backend, defaultOptions()).Build(context.Background(), testJob(filepath.Join(t.TempDir(), "gone.mp4")))

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if stageErr.Stage != StageTracksAdded || stageErr.Reason != ReasonNoTracks {
		t.Fatalf("unexpected stage error: %+v", stageErr)
	}
	for _, c := range backend.calls {
		if c == "ingest" {
			t.Fatal("ingest must not be called without tracks")
		}
	}
}

func TestProcess_ACLNotConfigured(t *testing.T) {
	dir := t.TempDir()
	backend := &mockBackend{packageID: "mp-5"}
	opts := defaultOptions()
	opts.CustomACL = nil

	outcome, err := New(backend, opts).Process(context.Background(), testJob(writeRecording(t, dir, "r1.mp4")))
	if err != nil {
		t.Fatalf("business failure must not be returned as error: %v", err)
	}
	if outcome.Success || outcome.Reason != "ACL not configured" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(backend.calls) != 2 {
		t.Fatalf("expected build to stop after metadata stage, calls: %v", backend.calls)
	}
}

func TestBuild_NamedACLTemplate(t *testing.T) {
	dir := t.TempDir()
	backend := &mockBackend{
		packageID:     "mp-6",
		templateRules: []mediabackend.ACLRule{{Role: "ROLE_USER", Action: "read", Allow: true}},
	}
	opts := defaultOptions()
	opts.CustomACL = nil
	opts.DefaultACL = "public"

	if _, err := New(backend, opts).Build(context.Background(), testJob(writeRecording(t, dir, "r1.mp4"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.templateAsked != "public" {
		t.Fatalf("expected template lookup, got %q", backend.templateAsked)
	}
	if len(backend.attachments) != 1 || !strings.Contains(string(backend.attachments[0]), "ROLE_USER") {
		t.Fatalf("expected template rules in attachment")
	}
}

func TestBuild_CustomACLPreferred(t *testing.T) {
	dir := t.TempDir()
	backend := &mockBackend{packageID: "mp-7"}
	opts := defaultOptions()
	opts.DefaultACL = "public"

	if _, err := New(backend, opts).Build(context.Background(), testJob(writeRecording(t, dir, "r1.mp4"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.templateAsked != "" {
		t.Fatal("named template must not be used when custom rules exist")
	}
}

func TestProcess_BackendRejection(t *testing.T) {
	backend := &mockBackend{catalogErr: &mediabackend.StatusError{Op: "addDCCatalog", StatusCode: 400}}
	outcome, err := New(backend, defaultOptions()).Process(context.Background(), testJob())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Success || !strings.Contains(outcome.Reason, "status 400") {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestProcess_TransientFailureIsReturned(t *testing.T) {
	backend := &mockBackend{createErr: mediabackend.Transient("createMediaPackage", errors.New("connection refused"))}
	_, err := New(backend, defaultOptions()).Process(context.Background(), testJob())
	if !mediabackend.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestProcess_CallTimeoutIsRetryable(t *testing.T) {
	dir := t.TempDir()
	backend := &mockBackend{packageID: "mp-8", blockIngest: true}
	opts := defaultOptions()
	opts.CallTimeout = 20 * time.Millisecond

	_, err := New(backend, opts).Process(context.Background(), testJob(writeRecording(t, dir, "r1.mp4")))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestBuild_WorkflowConfigurationMerged(t *testing.T) {
	dir := t.TempDir()
	backend := &mockBackend{packageID: "mp-9"}
	opts := defaultOptions()
	opts.WorkflowConfiguration = map[string]string{"publish": "false", "flag": "on"}
	job := testJob(writeRecording(t, dir, "r1.mp4"))
	job.EventMetadata.Processing = ingest.Processing{Configuration: map[string]string{"publish": "true"}}

	if _, err := New(backend, opts).Build(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.configuration["publish"] != "true" || backend.configuration["flag"] != "on" {
		t.Fatalf("unexpected configuration: %v", backend.configuration)
	}
}

func TestBuild_MetadataWorkflowDoesNotOverrideTrackCount(t *testing.T) {
	dir := t.TempDir()
	backend := &mockBackend{packageID: "mp-10"}
	job := testJob(writeRecording(t, dir, "r1.mp4"), writeRecording(t, dir, "r2.mp4"))
	job.EventMetadata.Processing.Workflow = "custom"
	job.EventMetadata.Processing.Configuration = map[string]string{"publish": "false"}

	if _, err := New(backend, defaultOptions()).Build(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.workflow != defaultOptions().WorkflowMultiple {
		t.Fatalf("expected workflow picked by track count, got %s", backend.workflow)
	}
	if backend.configuration["publish"] != "false" {
		t.Fatalf("expected metadata configuration merged, got %v", backend.configuration)
	}
}
