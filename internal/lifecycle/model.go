package lifecycle

import "time"

type Source string

const (
	SourcePlatform Source = "platform"
	SourceDevice   Source = "device"
)

type Session struct {
	Source     Source
	SessionID  string
	InstanceID string
	Title      string
	GroupTag   string
	StartedAt  time.Time
	EndedAt    *time.Time
	Ingested   bool
	CreatedAt  time.Time
}

func (s Session) HasEnded() bool {
	return s.EndedAt != nil
}

// Purgeable reports whether the purge loop may delete the row.
func (s Session) Purgeable() bool {
	return s.EndedAt != nil && s.Ingested
}

func InstanceIDs(sessions []Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.InstanceID)
	}
	return ids
}
