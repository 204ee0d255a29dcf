package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidSession = errors.New("invalid session")

// Store holds the per-session lifecycle. Every mutation matches rows by an
// instance id set and by the transition it applies, so replaying a transition
// on rows that already moved on changes nothing.
type Store interface {
	Create(ctx context.Context, s Session) (bool, error)
	FindActive(ctx context.Context, source Source) ([]Session, error)
	FindEndedNotIngested(ctx context.Context, source Source) ([]Session, error)
	FindEndedAndIngested(ctx context.Context, source Source) ([]Session, error)
	MarkEnded(ctx context.Context, source Source, instanceIDs []string, at time.Time) (int64, error)
	MarkIngested(ctx context.Context, source Source, instanceIDs []string) (int64, error)
	Delete(ctx context.Context, source Source, instanceIDs []string) (int64, error)
}

func Validate(s Session) error {
	if s.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidSession)
	}
	if s.InstanceID == "" {
		return fmt.Errorf("%w: instance id is required", ErrInvalidSession)
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("%w: started at is required", ErrInvalidSession)
	}
	if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
		return fmt.Errorf("%w: ended at %s is before started at %s", ErrInvalidSession, s.EndedAt, s.StartedAt)
	}
	return nil
}

// EndedAt clamps a reported end time so it never precedes the start.
func EndedAt(startedAt, at time.Time) time.Time {
	if at.Before(startedAt) {
		return startedAt
	}
	return at
}
