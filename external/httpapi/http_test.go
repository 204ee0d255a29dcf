package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	extplugnmeet "github.com/foxseedlab/ingestbridge/external/plugnmeet"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
	"github.com/foxseedlab/ingestbridge/internal/orchestrator"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	"github.com/foxseedlab/ingestbridge/internal/source"
)

type mockCreator struct {
	got     source.CreateSessionRequest
	session *lifecycle.Session
	err     error
}

func (m *mockCreator) CreateSession(_ context.Context, req source.CreateSessionRequest) (*lifecycle.Session, error) {
	m.got = req
	return m.session, m.err
}

type mockJobs struct {
	states map[string]queue.JobState
	err    error
}

func (m *mockJobs) Status(_ context.Context, id string) (queue.JobState, error) {
	if m.err != nil {
		return queue.JobState{}, m.err
	}
	s, ok := m.states[id]
	if !ok {
		return queue.JobState{}, queue.ErrJobNotFound
	}
	return s, nil
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := NewHandler(&mockCreator{}, &mockJobs{}, Auth{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateSession(t *testing.T) {
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	creator := &mockCreator{session: &lifecycle.Session{SessionID: "room-1", InstanceID: "sid-1", StartedAt: started}}
	h := NewHandler(creator, &mockJobs{}, Auth{})

	body := `{"session_id":"room-1","title":"Math","group_tag":"math","extra_attributes":{"welcome_message":"hi"}}`
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp["instance_id"] != "sid-1" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if creator.got.GroupTag != "math" || creator.got.Title != "Math" || creator.got.ExtraAttributes["welcome_message"] != "hi" {
		t.Fatalf("unexpected request passed on: %+v", creator.got)
	}
}

func TestCreateSession_Responses(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		creator *mockCreator
		want    int
	}{
		{name: "invalid json", body: `{`, creator: &mockCreator{}, want: http.StatusBadRequest},
		{name: "missing session id", body: `{"title":"x"}`, creator: &mockCreator{}, want: http.StatusBadRequest},
		{name: "unresolved instance", body: `{"session_id":"r"}`, creator: &mockCreator{}, want: http.StatusAccepted},
		{name: "no platform", body: `{"session_id":"r"}`, creator: &mockCreator{err: orchestrator.ErrSessionCreationUnavailable}, want: http.StatusServiceUnavailable},
		{name: "platform failure", body: `{"session_id":"r"}`, creator: &mockCreator{err: errors.New("boom")}, want: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(tc.creator, &mockJobs{}, Auth{})
			rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestCreateSession_Signature(t *testing.T) {
	creator := &mockCreator{session: &lifecycle.Session{SessionID: "r", InstanceID: "sid"}}
	h := NewHandler(creator, &mockJobs{}, Auth{Key: "key", Secret: "secret"})
	body := []byte(`{"session_id":"r"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(body))
	if rec := serve(h, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(body))
	req.Header.Set("API-KEY", "key")
	req.Header.Set("HASH-SIGNATURE", extplugnmeet.Sign("secret", body))
	if rec := serve(h, req); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with signature, got %d", rec.Code)
	}
	if creator.got.SessionID != "r" {
		t.Fatalf("expected body to reach handler, got %+v", creator.got)
	}
}

func TestJobStatus(t *testing.T) {
	jobs := &mockJobs{states: map[string]queue.JobState{
		"job-1": {ID: "job-1", Status: ingest.JobStatusSucceeded, PackageID: "mp-1"},
	}}
	h := NewHandler(&mockCreator{}, jobs, Auth{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var state queue.JobState
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil || state.PackageID != "mp-1" {
		t.Fatalf("unexpected body: %+v %v", state, err)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	jobs.err = errors.New("redis down")
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
