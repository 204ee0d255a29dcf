package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
	"github.com/foxseedlab/ingestbridge/internal/metadata"
)

// Archiver takes an ingested device file out of the working directory.
type Archiver interface {
	Archive(ctx context.Context, device, path string) error
}

type DeviceOptions struct {
	LandingLocation string
	WorkdirLocation string
	Metadata        MetadataOptions
}

// DeviceAdapter picks up files that capture devices drop into
// <landing>/<device>/. Each file becomes one already ended session.
type DeviceAdapter struct {
	store     lifecycle.Store
	requester bus.Requester
	archiver  Archiver
	opts      DeviceOptions
	now       func() time.Time
}

func NewDeviceAdapter(store lifecycle.Store, requester bus.Requester, archiver Archiver, opts DeviceOptions) *DeviceAdapter {
	return &DeviceAdapter{store: store, requester: requester, archiver: archiver, opts: opts, now: time.Now}
}

func (a *DeviceAdapter) Name() string {
	return NameDevice
}

func (a *DeviceAdapter) Source() lifecycle.Source {
	return lifecycle.SourceDevice
}

// Prepare checks the landing directory and creates the working directory.
func (a *DeviceAdapter) Prepare() error {
	info, err := os.Stat(a.opts.LandingLocation)
	if err != nil {
		return fmt.Errorf("device recording location %s is not accessible: %w", a.opts.LandingLocation, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("device recording location %s is not a directory", a.opts.LandingLocation)
	}
	if err := os.MkdirAll(a.opts.WorkdirLocation, 0o755); err != nil {
		return fmt.Errorf("failed to create device workdir: %w", err)
	}
	return nil
}

func (a *DeviceAdapter) SyncSessions(ctx context.Context) error {
	if err := a.collectLanded(); err != nil {
		return err
	}

	devices, err := subdirectories(a.opts.WorkdirLocation)
	if err != nil {
		return fmt.Errorf("failed to list device workdir: %w", err)
	}
	for _, device := range devices {
		files, err := regularFiles(filepath.Join(a.opts.WorkdirLocation, device))
		if err != nil {
			slog.Warn("failed to list device workdir", "device", device, "error", err)
			continue
		}
		for _, f := range files {
			if err := a.track(ctx, device, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectLanded moves finished files from the landing area into the workdir.
// Only moved files are ever tracked, so a file still being written stays put.
func (a *DeviceAdapter) collectLanded() error {
	devices, err := subdirectories(a.opts.LandingLocation)
	if err != nil {
		return fmt.Errorf("failed to list device recording location: %w", err)
	}
	for _, device := range devices {
		files, err := regularFiles(filepath.Join(a.opts.LandingLocation, device))
		if err != nil {
			slog.Warn("failed to list device recordings", "device", device, "error", err)
			continue
		}
		if len(files) == 0 {
			continue
		}
		workdir := filepath.Join(a.opts.WorkdirLocation, device)
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			return fmt.Errorf("failed to create workdir for %s: %w", device, err)
		}
		for _, f := range files {
			from := filepath.Join(a.opts.LandingLocation, device, f.Name())
			to := filepath.Join(workdir, f.Name())
			if err := os.Rename(from, to); err != nil {
				slog.Warn("failed to move device recording to workdir", "device", device, "file", f.Name(), "error", err)
				continue
			}
			slog.Debug("device recording moved to workdir", "device", device, "file", f.Name())
		}
	}
	return nil
}

func (a *DeviceAdapter) track(ctx context.Context, device string, f os.FileInfo) error {
	started := RecordingDate(f.Name(), f.ModTime(), a.now)
	ended := lifecycle.EndedAt(started, f.ModTime().UTC())
	created, err := a.store.Create(ctx, lifecycle.Session{
		Source:     lifecycle.SourceDevice,
		SessionID:  device,
		InstanceID: device + "/" + f.Name(),
		Title:      f.Name(),
		StartedAt:  started,
		EndedAt:    &ended,
	})
	if err != nil {
		return err
	}
	if created {
		slog.Info("device recording tracked", "device", device, "file", f.Name(), "started_at", started)
	}
	return nil
}

// RecordingDate parses <prefix>_<Mon-DD>_<HH-MM-SS>[.ext] using the year of
// modTime. Names that do not match yield now().
func RecordingDate(name string, modTime time.Time, now func() time.Time) time.Time {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) >= 3 {
		value := parts[1] + "-" + strconv.Itoa(modTime.Year()) + " " + parts[2]
		if t, err := time.ParseInLocation("Jan-02-2006 15-04-05", value, modTime.Location()); err == nil {
			return t.UTC()
		}
	}
	slog.Warn("could not parse device recording date, using current time", "file", name)
	return now().UTC()
}

func (a *DeviceAdapter) ListFinishedRecordings(_ context.Context, sessions []lifecycle.Session) (map[string][]ingest.Recording, error) {
	out := make(map[string][]ingest.Recording)
	for _, s := range sessions {
		path, err := a.workdirPath(s.InstanceID)
		if err != nil {
			slog.Warn("device session has an invalid instance id", "instance_id", s.InstanceID, "error", err)
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out[s.InstanceID] = []ingest.Recording{{
			Path:      path,
			CreatedAt: s.StartedAt,
			SizeBytes: info.Size(),
		}}
	}
	return out, nil
}

func (a *DeviceAdapter) BuildEventMetadata(ctx context.Context, s lifecycle.Session) (ingest.EventMetadata, error) {
	md, err := metadata.Request(ctx, a.requester, ingest.ResolveMetadataRequest{
		TemplateName: a.opts.Metadata.TemplateName,
		SeriesName:   a.opts.Metadata.SeriesName,
		Started:      s.StartedAt,
		Ended:        endOf(s),
		Title:        fmt.Sprintf("Epiphan recording (%s)", s.StartedAt.Format("02.01.2006")),
	}, a.opts.Metadata.ResolveTimeout)
	if err != nil {
		return ingest.EventMetadata{}, err
	}
	md.Location = s.SessionID
	return md, nil
}

func (a *DeviceAdapter) CorrelationToken(s lifecycle.Session) string {
	return s.InstanceID
}

// HandleCompletion advances the lifecycle first so a failing archive never
// causes the file to be ingested twice; Cleanup archives any leftovers.
func (a *DeviceAdapter) HandleCompletion(ctx context.Context, c ingest.Completion) error {
	device, _, err := splitInstanceID(c.CorrelationToken)
	if err != nil {
		slog.Warn("device completion has an invalid token", "job_id", c.JobID, "correlation_token", c.CorrelationToken, "error", err)
		return nil
	}
	if _, err := a.store.MarkIngested(ctx, lifecycle.SourceDevice, []string{c.CorrelationToken}); err != nil {
		return err
	}
	path, _ := a.workdirPath(c.CorrelationToken)
	return a.archive(ctx, device, path)
}

func (a *DeviceAdapter) Cleanup(ctx context.Context, sessions []lifecycle.Session) error {
	cerr := &CleanupError{}
	for _, s := range sessions {
		device, _, err := splitInstanceID(s.InstanceID)
		if err != nil {
			continue
		}
		path, _ := a.workdirPath(s.InstanceID)
		if err := a.archive(ctx, device, path); err != nil {
			cerr.add(s.InstanceID, err)
		}
	}
	return cerr.orNil()
}

func (a *DeviceAdapter) archive(ctx context.Context, device, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := a.archiver.Archive(ctx, device, path); err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}
	slog.Info("device recording archived", "device", device, "file", filepath.Base(path))
	return nil
}

func (a *DeviceAdapter) workdirPath(instanceID string) (string, error) {
	device, file, err := splitInstanceID(instanceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.opts.WorkdirLocation, device, file), nil
}

func splitInstanceID(id string) (device, file string, err error) {
	device, file, ok := strings.Cut(id, "/")
	if !ok || device == "" || file == "" {
		return "", "", fmt.Errorf("instance id %q is not <device>/<file>", id)
	}
	for _, part := range []string{device, file} {
		if part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", "", fmt.Errorf("instance id %q has an unsafe path element", id)
		}
	}
	return device, file, nil
}

func subdirectories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func regularFiles(dir string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []os.FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
