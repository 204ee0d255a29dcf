package source

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
)

type mockPlatformClient struct {
	rooms       []ActiveRoom
	roomsErr    error
	activeRoom  *ActiveRoom
	createdSID  string
	createErr   error
	created     []CreateRoomRequest
	recordings  []PlatformRecording
	fetchErr    error
	fetchedIDs  [][]string
	deleted     []string
	deleteError error
}

func (m *mockPlatformClient) ActiveRooms(_ context.Context) ([]ActiveRoom, error) {
	return m.rooms, m.roomsErr
}

func (m *mockPlatformClient) ActiveRoom(_ context.Context, _ string) (ActiveRoom, bool, error) {
	if m.activeRoom == nil {
		return ActiveRoom{}, false, nil
	}
	return *m.activeRoom, true, nil
}

func (m *mockPlatformClient) CreateRoom(_ context.Context, req CreateRoomRequest) (string, error) {
	m.created = append(m.created, req)
	return m.createdSID, m.createErr
}

func (m *mockPlatformClient) FetchRecordings(_ context.Context, roomIDs []string) ([]PlatformRecording, error) {
	m.fetchedIDs = append(m.fetchedIDs, roomIDs)
	return m.recordings, m.fetchErr
}

func (m *mockPlatformClient) DeleteRecording(_ context.Context, recordID string) error {
	if m.deleteError != nil {
		return m.deleteError
	}
	m.deleted = append(m.deleted, recordID)
	return nil
}

// metadataBus answers resolve requests by echoing the request.
func metadataBus(t *testing.T, seen *[]ingest.ResolveMetadataRequest) *bus.Local {
	t.Helper()
	b := bus.NewLocal()
	b.Respond(ingest.TopicResolveMetadata, func(_ context.Context, payload []byte) ([]byte, error) {
		var req ingest.ResolveMetadataRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if seen != nil {
			*seen = append(*seen, req)
		}
		return json.Marshal(ingest.EventMetadata{Title: req.Title, Started: req.Started, Ended: req.Ended, SeriesID: "id-" + req.SeriesName})
	})
	return b
}

func newPlatformAdapter(client *mockPlatformClient, store lifecycle.Store, b bus.Requester) *PlatformAdapter {
	return NewPlatformAdapter(client, store, b, PlatformOptions{
		RecordingLocation: "/recordings",
		SeriesGroupFormat: "Course_Series_%s",
		Metadata: MetadataOptions{
			TemplateName:   "default",
			SeriesName:     "Conference recordings",
			ResolveTimeout: time.Second,
		},
	})
}

func TestPlatformSync_TracksAndEnds(t *testing.T) {
	ctx := context.Background()
	store := lifecycle.NewMemoryStore()
	started := time.Now().Add(-time.Hour)
	for _, id := range []string{"sid-old", "sid-running"} {
		if _, err := store.Create(ctx, lifecycle.Session{Source: lifecycle.SourcePlatform, SessionID: "room", InstanceID: id, StartedAt: started}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	client := &mockPlatformClient{rooms: []ActiveRoom{
		{RoomID: "room", SID: "sid-running", IsRunning: true},
		{RoomID: "room-new", SID: "sid-new", Title: "New", IsRunning: true, Metadata: `{"extra_data":"{\"activity\":{\"id\":\"1\",\"course\":\"math\"}}"}`},
		{RoomID: "room-idle", SID: "sid-idle", IsRunning: false},
	}}
	a := newPlatformAdapter(client, store, bus.NewLocal())

	if err := a.SyncSessions(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, _ := store.FindActive(ctx, lifecycle.SourcePlatform)
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %+v", active)
	}
	var newSession *lifecycle.Session
	for i := range active {
		if active[i].InstanceID == "sid-new" {
			newSession = &active[i]
		}
	}
	if newSession == nil || newSession.GroupTag != "math" || newSession.SessionID != "room-new" {
		t.Fatalf("expected new tracked session with course, got %+v", active)
	}
	ended, _ := store.FindEndedNotIngested(ctx, lifecycle.SourcePlatform)
	if len(ended) != 1 || ended[0].InstanceID != "sid-old" {
		t.Fatalf("expected sid-old to be ended, got %+v", ended)
	}
}

func TestPlatformSync_FailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	store := lifecycle.NewMemoryStore()
	_, _ = store.Create(ctx, lifecycle.Session{Source: lifecycle.SourcePlatform, InstanceID: "sid-1", StartedAt: time.Now()})
	a := newPlatformAdapter(&mockPlatformClient{roomsErr: errors.New("unreachable")}, store, bus.NewLocal())

	if err := a.SyncSessions(ctx); err == nil {
		t.Fatal("expected error")
	}
	active, _ := store.FindActive(ctx, lifecycle.SourcePlatform)
	if len(active) != 1 {
		t.Fatalf("expected session to stay active, got %+v", active)
	}
}

func TestPlatformListFinishedRecordings(t *testing.T) {
	client := &mockPlatformClient{recordings: []PlatformRecording{
		{RecordID: "r2", RoomSID: "sidA-2", FilePath: "room/b.mp4", CreationTime: 200},
		{RecordID: "r1", RoomSID: "sidA-1", FilePath: "room/a.mp4", CreationTime: 100},
		{RecordID: "r3", RoomSID: "sidB-1", FilePath: "/abs/c.mp4", CreationTime: 50},
	}}
	a := newPlatformAdapter(client, lifecycle.NewMemoryStore(), bus.NewLocal())
	sessions := []lifecycle.Session{
		{SessionID: "room", InstanceID: "sidA"},
		{SessionID: "room", InstanceID: "sidB"},
		{SessionID: "room", InstanceID: "sidC"},
	}

	got, err := a.ListFinishedRecordings(context.Background(), sessions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.fetchedIDs) != 1 || len(client.fetchedIDs[0]) != 1 || client.fetchedIDs[0][0] != "room" {
		t.Fatalf("expected one query for unique room ids, got %v", client.fetchedIDs)
	}
	recs := got["sidA"]
	if len(recs) != 2 {
		t.Fatalf("expected 2 recordings, got %+v", got)
	}
	if recs[0].RecordID != "r1" || recs[0].Path != "/recordings/room/a.mp4" || recs[1].RecordID != "r2" {
		t.Fatalf("unexpected recordings: %+v", recs)
	}
	if b := got["sidB"]; len(b) != 1 || b[0].Path != "/abs/c.mp4" {
		t.Fatalf("unexpected recordings for sidB: %+v", b)
	}
	if _, ok := got["sidC"]; ok {
		t.Fatal("expected no entry for a session without recordings")
	}
}

func TestPlatformListFinishedRecordings_Error(t *testing.T) {
	a := newPlatformAdapter(&mockPlatformClient{fetchErr: errors.New("down")}, lifecycle.NewMemoryStore(), bus.NewLocal())
	if _, err := a.ListFinishedRecordings(context.Background(), []lifecycle.Session{{SessionID: "r", InstanceID: "s"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestPlatformBuildEventMetadata(t *testing.T) {
	var seen []ingest.ResolveMetadataRequest
	a := newPlatformAdapter(&mockPlatformClient{}, lifecycle.NewMemoryStore(), metadataBus(t, &seen))
	started := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	ended := started.Add(time.Hour)

	md, err := a.BuildEventMetadata(context.Background(), lifecycle.Session{Title: "Algebra", GroupTag: "math", StartedAt: started, EndedAt: &ended})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.Title != "PlugNMeet recording Algebra" || md.Location != "PlugNMeet conference" {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if seen[0].SeriesName != "Course_Series_math" || seen[0].TemplateName != "default" || !seen[0].Ended.Equal(ended) {
		t.Fatalf("unexpected request: %+v", seen[0])
	}

	if _, err := a.BuildEventMetadata(context.Background(), lifecycle.Session{Title: "x", StartedAt: started}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen[1].SeriesName != "Conference recordings" {
		t.Fatalf("expected configured series, got %q", seen[1].SeriesName)
	}
}

func TestPlatformHandleCompletion_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := lifecycle.NewMemoryStore()
	started := time.Now().Add(-time.Hour)
	ended := time.Now()
	_, _ = store.Create(ctx, lifecycle.Session{Source: lifecycle.SourcePlatform, InstanceID: "sid-1", StartedAt: started, EndedAt: &ended})
	a := newPlatformAdapter(&mockPlatformClient{}, store, bus.NewLocal())

	c := ingest.Completion{CorrelationToken: a.CorrelationToken(lifecycle.Session{InstanceID: "sid-1"}), OriginSource: NamePlatform}
	for i := 0; i < 2; i++ {
		if err := a.HandleCompletion(ctx, c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	purgeable, _ := store.FindEndedAndIngested(ctx, lifecycle.SourcePlatform)
	if len(purgeable) != 1 {
		t.Fatalf("expected one ingested session, got %+v", purgeable)
	}
}

func TestPlatformCleanupDeletesMatchingRecordings(t *testing.T) {
	client := &mockPlatformClient{recordings: []PlatformRecording{
		{RecordID: "r1", RoomSID: "sidA-1"},
		{RecordID: "r2", RoomSID: "sidB-1"},
	}}
	a := newPlatformAdapter(client, lifecycle.NewMemoryStore(), bus.NewLocal())
	if err := a.Cleanup(context.Background(), []lifecycle.Session{{SessionID: "room", InstanceID: "sidA"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "r1" {
		t.Fatalf("unexpected deletions: %v", client.deleted)
	}
}

func TestPlatformCleanupHoldsBackOnlyFailingSessions(t *testing.T) {
	client := &mockPlatformClient{
		recordings:  []PlatformRecording{{RecordID: "r1", RoomSID: "sidA-1"}},
		deleteError: errors.New("platform down"),
	}
	a := newPlatformAdapter(client, lifecycle.NewMemoryStore(), bus.NewLocal())
	sessions := []lifecycle.Session{
		{SessionID: "room", InstanceID: "sidA"},
		{SessionID: "room", InstanceID: "sidC"},
	}

	err := a.Cleanup(context.Background(), sessions)
	var ce *CleanupError
	if !errors.As(err, &ce) || len(ce.Failed) != 1 || ce.Failed["sidA"] == nil {
		t.Fatalf("expected sidA to fail cleanup, got %v", err)
	}
	kept := Cleanable(sessions, err)
	if len(kept) != 1 || kept[0].InstanceID != "sidC" {
		t.Fatalf("expected sidC to stay purgeable, got %+v", kept)
	}
}

func TestPlatformCreateSession(t *testing.T) {
	ctx := context.Background()
	store := lifecycle.NewMemoryStore()
	client := &mockPlatformClient{createdSID: "sid-9"}
	a := newPlatformAdapter(client, store, bus.NewLocal())

	s, err := a.CreateSession(ctx, CreateSessionRequest{SessionID: "room-9", Title: "Seminar", GroupTag: "physics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.InstanceID != "sid-9" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if client.created[0].ExtraData != `{"activity":{"course":"physics"}}` {
		t.Fatalf("unexpected extra data: %s", client.created[0].ExtraData)
	}
	active, _ := store.FindActive(ctx, lifecycle.SourcePlatform)
	if len(active) != 1 || active[0].GroupTag != "physics" {
		t.Fatalf("unexpected active sessions: %+v", active)
	}
}

func TestPlatformCreateSession_ResolvesInstanceLater(t *testing.T) {
	ctx := context.Background()
	store := lifecycle.NewMemoryStore()
	client := &mockPlatformClient{}
	a := newPlatformAdapter(client, store, bus.NewLocal())

	s, err := a.CreateSession(ctx, CreateSessionRequest{SessionID: "room-1", Title: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Fatalf("expected no session when instance is unknown, got %+v", s)
	}
	active, _ := store.FindActive(ctx, lifecycle.SourcePlatform)
	if len(active) != 0 {
		t.Fatalf("expected nothing tracked, got %+v", active)
	}

	client.activeRoom = &ActiveRoom{RoomID: "room-1", SID: "sid-1", IsRunning: true}
	s, err = a.CreateSession(ctx, CreateSessionRequest{SessionID: "room-1", Title: "x"})
	if err != nil || s == nil || s.InstanceID != "sid-1" {
		t.Fatalf("expected instance from active room lookup, got %+v, %v", s, err)
	}
}

func TestCourseFromMetadata(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "", want: ""},
		{raw: "not json", want: ""},
		{raw: `{"room_title":"x"}`, want: ""},
		{raw: `{"extra_data":"{bad"}`, want: ""},
		{raw: `{"extra_data":"{\"activity\":{\"course\":\"bio\"}}"}`, want: "bio"},
	}
	for _, tc := range cases {
		if got := courseFromMetadata(tc.raw); got != tc.want {
			t.Fatalf("courseFromMetadata(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
