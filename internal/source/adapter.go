// Package source adapts recording sources to the ingest lifecycle.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
)

const (
	NamePlatform = "plugnmeet"
	NameDevice   = "epiphan"
)

type Adapter interface {
	Name() string
	Source() lifecycle.Source
	// SyncSessions reconciles tracked sessions with what the source reports.
	SyncSessions(ctx context.Context) error
	// ListFinishedRecordings returns recordings keyed by instance id. A session
	// missing from the result has no recordings.
	ListFinishedRecordings(ctx context.Context, sessions []lifecycle.Session) (map[string][]ingest.Recording, error)
	BuildEventMetadata(ctx context.Context, s lifecycle.Session) (ingest.EventMetadata, error)
	CorrelationToken(s lifecycle.Session) string
	HandleCompletion(ctx context.Context, completion ingest.Completion) error
	// Cleanup releases source side resources of sessions about to be purged.
	// A *CleanupError names the sessions that must not be purged yet; any
	// other error holds back all of them.
	Cleanup(ctx context.Context, sessions []lifecycle.Session) error
}

// CleanupError maps instance ids whose cleanup failed to the failure.
type CleanupError struct {
	Failed map[string]error
}

func (e *CleanupError) add(instanceID string, err error) {
	if e.Failed == nil {
		e.Failed = make(map[string]error)
	}
	e.Failed[instanceID] = err
}

// orNil returns e when something failed.
func (e *CleanupError) orNil() error {
	if len(e.Failed) == 0 {
		return nil
	}
	return e
}

func (e *CleanupError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return "cleanup failed for " + strings.Join(parts, "; ")
}

func (e *CleanupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// Cleanable returns the sessions err does not hold back. It is nil when err
// is not a *CleanupError.
func Cleanable(sessions []lifecycle.Session, err error) []lifecycle.Session {
	if err == nil {
		return sessions
	}
	var ce *CleanupError
	if !errors.As(err, &ce) {
		return nil
	}
	var out []lifecycle.Session
	for _, s := range sessions {
		if _, failed := ce.Failed[s.InstanceID]; !failed {
			out = append(out, s)
		}
	}
	return out
}

// MetadataOptions configures how adapters ask for event metadata.
type MetadataOptions struct {
	TemplateName   string
	SeriesName     string
	ResolveTimeout time.Duration
}

func endOf(s lifecycle.Session) time.Time {
	if s.EndedAt != nil {
		return *s.EndedAt
	}
	return s.StartedAt
}
