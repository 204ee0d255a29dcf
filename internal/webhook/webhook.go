package webhook

import (
	"context"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
)

// Sender posts ingest completions to an operator endpoint.
type Sender interface {
	NotifyCompletion(ctx context.Context, completion ingest.Completion) error
}
