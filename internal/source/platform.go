package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
	"github.com/foxseedlab/ingestbridge/internal/metadata"
)

type ActiveRoom struct {
	RoomID    string
	SID       string
	Title     string
	Metadata  string
	IsRunning bool
}

type PlatformRecording struct {
	RecordID     string
	RoomID       string
	RoomSID      string
	FilePath     string
	FileSize     float64
	CreationTime int64
}

type CreateRoomRequest struct {
	RoomID     string
	Title      string
	ExtraData  string
	Attributes map[string]any
}

type PlatformClient interface {
	ActiveRooms(ctx context.Context) ([]ActiveRoom, error)
	ActiveRoom(ctx context.Context, roomID string) (ActiveRoom, bool, error)
	// CreateRoom returns the new room's sid when the reply carries one.
	CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error)
	// FetchRecordings returns an empty list when the platform has none.
	FetchRecordings(ctx context.Context, roomIDs []string) ([]PlatformRecording, error)
	DeleteRecording(ctx context.Context, recordID string) error
}

type PlatformOptions struct {
	RecordingLocation string
	SeriesGroupFormat string
	Metadata          MetadataOptions
}

type PlatformAdapter struct {
	client    PlatformClient
	store     lifecycle.Store
	requester bus.Requester
	opts      PlatformOptions
	now       func() time.Time
}

func NewPlatformAdapter(client PlatformClient, store lifecycle.Store, requester bus.Requester, opts PlatformOptions) *PlatformAdapter {
	return &PlatformAdapter{client: client, store: store, requester: requester, opts: opts, now: time.Now}
}

func (a *PlatformAdapter) Name() string {
	return NamePlatform
}

func (a *PlatformAdapter) Source() lifecycle.Source {
	return lifecycle.SourcePlatform
}

func (a *PlatformAdapter) SyncSessions(ctx context.Context) error {
	rooms, err := a.client.ActiveRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch active rooms: %w", err)
	}
	running := make(map[string]ActiveRoom, len(rooms))
	for _, r := range rooms {
		if r.IsRunning && r.SID != "" {
			running[r.SID] = r
		}
	}

	tracked, err := a.store.FindActive(ctx, lifecycle.SourcePlatform)
	if err != nil {
		return err
	}
	trackedIDs := make(map[string]struct{}, len(tracked))
	var stopped []string
	for _, s := range tracked {
		trackedIDs[s.InstanceID] = struct{}{}
		if _, ok := running[s.InstanceID]; !ok {
			stopped = append(stopped, s.InstanceID)
		}
	}

	now := a.now().UTC()
	if len(stopped) > 0 {
		n, err := a.store.MarkEnded(ctx, lifecycle.SourcePlatform, stopped, now)
		if err != nil {
			return err
		}
		slog.Info("platform sessions ended", "instance_ids", stopped, "updated", n)
	}

	for sid, r := range running {
		if _, ok := trackedIDs[sid]; ok {
			continue
		}
		created, err := a.store.Create(ctx, lifecycle.Session{
			Source:     lifecycle.SourcePlatform,
			SessionID:  r.RoomID,
			InstanceID: sid,
			Title:      r.Title,
			GroupTag:   courseFromMetadata(r.Metadata),
			StartedAt:  now,
		})
		if err != nil {
			return err
		}
		if created {
			slog.Info("platform session tracked", "session_id", r.RoomID, "instance_id", sid)
		}
	}
	return nil
}

type roomMetadata struct {
	ExtraData string `json:"extra_data"`
}

type roomExtraData struct {
	Activity struct {
		Course string `json:"course"`
	} `json:"activity"`
}

// courseFromMetadata reads activity.course from the room's extra_data, which
// the platform stores as a JSON string inside the metadata JSON.
func courseFromMetadata(raw string) string {
	if raw == "" {
		return ""
	}
	var md roomMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		slog.Warn("failed to parse room metadata", "error", err)
		return ""
	}
	if md.ExtraData == "" {
		return ""
	}
	var extra roomExtraData
	if err := json.Unmarshal([]byte(md.ExtraData), &extra); err != nil {
		slog.Warn("failed to parse room extra data", "error", err)
		return ""
	}
	return extra.Activity.Course
}

func (a *PlatformAdapter) ListFinishedRecordings(ctx context.Context, sessions []lifecycle.Session) (map[string][]ingest.Recording, error) {
	if len(sessions) == 0 {
		return map[string][]ingest.Recording{}, nil
	}
	recs, err := a.client.FetchRecordings(ctx, roomIDs(sessions))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recordings: %w", err)
	}

	out := make(map[string][]ingest.Recording)
	for _, s := range sessions {
		for _, rec := range recordingsOf(s, recs) {
			out[s.InstanceID] = append(out[s.InstanceID], ingest.Recording{
				Path:      a.resolvePath(rec.FilePath),
				RecordID:  rec.RecordID,
				CreatedAt: time.Unix(rec.CreationTime, 0).UTC(),
				SizeBytes: int64(rec.FileSize),
			})
		}
		sort.SliceStable(out[s.InstanceID], func(i, j int) bool {
			return out[s.InstanceID][i].CreatedAt.Before(out[s.InstanceID][j].CreatedAt)
		})
	}
	return out, nil
}

// recordingsOf matches recordings by the instance prefix of their room sid.
func recordingsOf(s lifecycle.Session, recs []PlatformRecording) []PlatformRecording {
	var out []PlatformRecording
	for _, rec := range recs {
		if strings.SplitN(rec.RoomSID, "-", 2)[0] == s.InstanceID {
			out = append(out, rec)
		}
	}
	return out
}

func (a *PlatformAdapter) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(a.opts.RecordingLocation, p)
}

func roomIDs(sessions []lifecycle.Session) []string {
	seen := make(map[string]struct{}, len(sessions))
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if _, ok := seen[s.SessionID]; ok {
			continue
		}
		seen[s.SessionID] = struct{}{}
		ids = append(ids, s.SessionID)
	}
	return ids
}

func (a *PlatformAdapter) BuildEventMetadata(ctx context.Context, s lifecycle.Session) (ingest.EventMetadata, error) {
	series := a.opts.Metadata.SeriesName
	if s.GroupTag != "" {
		series = fmt.Sprintf(a.opts.SeriesGroupFormat, s.GroupTag)
	}
	md, err := metadata.Request(ctx, a.requester, ingest.ResolveMetadataRequest{
		TemplateName: a.opts.Metadata.TemplateName,
		SeriesName:   series,
		Started:      s.StartedAt,
		Ended:        endOf(s),
		Title:        "PlugNMeet recording " + s.Title,
	}, a.opts.Metadata.ResolveTimeout)
	if err != nil {
		return ingest.EventMetadata{}, err
	}
	md.Location = "PlugNMeet conference"
	return md, nil
}

func (a *PlatformAdapter) CorrelationToken(s lifecycle.Session) string {
	return s.InstanceID
}

func (a *PlatformAdapter) HandleCompletion(ctx context.Context, c ingest.Completion) error {
	if c.CorrelationToken == "" {
		slog.Warn("platform completion has no instance id", "job_id", c.JobID)
		return nil
	}
	_, err := a.store.MarkIngested(ctx, lifecycle.SourcePlatform, []string{c.CorrelationToken})
	return err
}

// Cleanup deletes the platform's copies of the purged sessions' recordings.
func (a *PlatformAdapter) Cleanup(ctx context.Context, sessions []lifecycle.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	recs, err := a.client.FetchRecordings(ctx, roomIDs(sessions))
	if err != nil {
		return fmt.Errorf("failed to fetch recordings for cleanup: %w", err)
	}
	cerr := &CleanupError{}
	for _, s := range sessions {
		for _, rec := range recordingsOf(s, recs) {
			if err := a.client.DeleteRecording(ctx, rec.RecordID); err != nil {
				cerr.add(s.InstanceID, fmt.Errorf("failed to delete recording %s: %w", rec.RecordID, err))
				break
			}
			slog.Info("platform recording deleted", "record_id", rec.RecordID, "instance_id", s.InstanceID)
		}
	}
	return cerr.orNil()
}

type CreateSessionRequest struct {
	SessionID       string
	Title           string
	GroupTag        string
	ExtraAttributes map[string]any
}

// CreateSession opens a room and tracks its instance. When the instance id
// cannot be resolved the room is left for the next sync to pick up and the
// returned session is nil.
func (a *PlatformAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (*lifecycle.Session, error) {
	extra, err := extraData(req.GroupTag)
	if err != nil {
		return nil, err
	}
	sid, err := a.client.CreateRoom(ctx, CreateRoomRequest{
		RoomID:     req.SessionID,
		Title:      req.Title,
		ExtraData:  extra,
		Attributes: req.ExtraAttributes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if sid == "" {
		room, found, err := a.client.ActiveRoom(ctx, req.SessionID)
		switch {
		case err != nil:
			slog.Warn("failed to resolve created room, leaving it to sync", "session_id", req.SessionID, "error", err)
			return nil, nil
		case !found || room.SID == "":
			slog.Warn("created room is not active yet, leaving it to sync", "session_id", req.SessionID)
			return nil, nil
		}
		sid = room.SID
	}

	s := lifecycle.Session{
		Source:     lifecycle.SourcePlatform,
		SessionID:  req.SessionID,
		InstanceID: sid,
		Title:      req.Title,
		GroupTag:   req.GroupTag,
		StartedAt:  a.now().UTC(),
	}
	if _, err := a.store.Create(ctx, s); err != nil {
		return nil, err
	}
	slog.Info("platform session created", "session_id", s.SessionID, "instance_id", s.InstanceID)
	return &s, nil
}

func extraData(groupTag string) (string, error) {
	if groupTag == "" {
		return "", nil
	}
	var extra roomExtraData
	extra.Activity.Course = groupTag
	b, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
