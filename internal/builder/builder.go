// Package builder drives one ingest job through the media backend protocol.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/mediabackend"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Stage string

const (
	StageCreated       Stage = "created"
	StageMetadataAdded Stage = "metadata_added"
	StageACLAdded      Stage = "acl_added"
	StageTracksAdded   Stage = "tracks_added"
	StageSubmitted     Stage = "submitted"
)

const (
	ReasonACLNotConfigured = "ACL not configured"
	ReasonNoTracks         = "no tracks could be attached"
)

// StageError is a failure that retrying cannot fix.
type StageError struct {
	Stage  Stage
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Options struct {
	CustomACL             []mediabackend.ACLRule
	DefaultACL            string
	WorkflowSingle        string
	WorkflowMultiple      string
	WorkflowConfiguration map[string]string
	CallTimeout           time.Duration
}

type Builder struct {
	backend mediabackend.Backend
	opts    Options
	tracer  trace.Tracer
}

func New(backend mediabackend.Backend, opts Options) *Builder {
	return &Builder{
		backend: backend,
		opts:    opts,
		tracer:  otel.Tracer("github.com/foxseedlab/ingestbridge/internal/builder"),
	}
}

// Process runs Build and sorts its result into a terminal outcome or a
// retryable error.
func (b *Builder) Process(ctx context.Context, job ingest.Job) (ingest.Outcome, error) {
	id, err := b.Build(ctx, job)
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return ingest.Failed(stageErr.Reason), nil
	}
	if err != nil {
		return ingest.Outcome{}, err
	}
	return ingest.Succeeded(id), nil
}

// Build returns the package id on success. Stages already applied are not
// rolled back when a later one fails.
func (b *Builder) Build(ctx context.Context, job ingest.Job) (string, error) {
	ctx, span := b.tracer.Start(ctx, "builder.build", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.origin_source", job.OriginSource),
		attribute.Int("job.recordings", len(job.RecordingPaths)),
	))
	defer span.End()

	pkg, err := b.create(ctx)
	if err != nil {
		return "", b.fail(span, job, err)
	}
	span.SetAttributes(attribute.String("media_package.id", pkg.ID))

	if pkg, err = b.addMetadata(ctx, pkg, job.EventMetadata); err != nil {
		return "", b.fail(span, job, err)
	}
	if pkg, err = b.addACL(ctx, pkg); err != nil {
		return "", b.fail(span, job, err)
	}
	pkg, attached, err := b.addTracks(ctx, pkg, job.RecordingPaths)
	if err != nil {
		return "", b.fail(span, job, err)
	}
	if pkg, err = b.submit(ctx, pkg, attached, job.EventMetadata.Processing); err != nil {
		return "", b.fail(span, job, err)
	}

	slog.Info("media package submitted", "job_id", job.ID, "package_id", pkg.ID, "tracks", attached)
	return pkg.ID, nil
}

func (b *Builder) fail(span trace.Span, job ingest.Job, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Warn("media package build failed", "job_id", job.ID, "error", err)
	return err
}

func (b *Builder) create(ctx context.Context) (mediabackend.Package, error) {
	var pkg mediabackend.Package
	err := b.stage(ctx, StageCreated, func(ctx context.Context) error {
		var err error
		pkg, err = b.backend.CreateMediaPackage(ctx)
		return err
	})
	return pkg, err
}

func (b *Builder) addMetadata(ctx context.Context, pkg mediabackend.Package, md ingest.EventMetadata) (mediabackend.Package, error) {
	err := b.stage(ctx, StageMetadataAdded, func(ctx context.Context) error {
		catalog, err := mediabackend.EpisodeCatalog(md)
		if err != nil {
			return &StageError{Stage: StageMetadataAdded, Reason: err.Error(), Err: err}
		}
		pkg, err = b.backend.AddCatalog(ctx, pkg, mediabackend.FlavorEpisodeCatalog, catalog)
		return err
	})
	return pkg, err
}

func (b *Builder) addACL(ctx context.Context, pkg mediabackend.Package) (mediabackend.Package, error) {
	err := b.stage(ctx, StageACLAdded, func(ctx context.Context) error {
		rules := b.opts.CustomACL
		if len(rules) == 0 {
			if b.opts.DefaultACL == "" {
				return &StageError{Stage: StageACLAdded, Reason: ReasonACLNotConfigured}
			}
			var err error
			rules, err = b.backend.ACLTemplate(ctx, b.opts.DefaultACL)
			if err != nil {
				return err
			}
		}
		attachment, err := mediabackend.EpisodeACL(pkg.ID, rules)
		if err != nil {
			return &StageError{Stage: StageACLAdded, Reason: err.Error(), Err: err}
		}
		pkg, err = b.backend.AddAttachment(ctx, pkg, mediabackend.FlavorEpisodeACL, attachment)
		return err
	})
	return pkg, err
}

func (b *Builder) addTracks(ctx context.Context, pkg mediabackend.Package, paths []string) (mediabackend.Package, int, error) {
	var existing []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			slog.Warn("recording file is missing, skipping track", "path", p, "error", err)
			continue
		}
		existing = append(existing, p)
	}

	err := b.stage(ctx, StageTracksAdded, func(ctx context.Context) error {
		if len(existing) == 0 {
			return &StageError{Stage: StageTracksAdded, Reason: ReasonNoTracks}
		}
		for i, p := range existing {
			var err error
			pkg, err = b.call(ctx, func(ctx context.Context) (mediabackend.Package, error) {
				return b.backend.AddTrack(ctx, pkg, mediabackend.TrackFlavor(i, len(existing)), p)
			})
			if err != nil {
				return fmt.Errorf("track %s: %w", p, err)
			}
		}
		return nil
	})
	return pkg, len(existing), err
}

func (b *Builder) submit(ctx context.Context, pkg mediabackend.Package, tracks int, processing ingest.Processing) (mediabackend.Package, error) {
	err := b.stage(ctx, StageSubmitted, func(ctx context.Context) error {
		var err error
		pkg, err = b.backend.Ingest(ctx, pkg, b.workflow(tracks), b.workflowConfiguration(processing))
		return err
	})
	return pkg, err
}

// workflow is picked by the number of attached tracks only.
func (b *Builder) workflow(tracks int) string {
	if tracks > 1 {
		return b.opts.WorkflowMultiple
	}
	return b.opts.WorkflowSingle
}

func (b *Builder) workflowConfiguration(processing ingest.Processing) map[string]string {
	out := make(map[string]string, len(b.opts.WorkflowConfiguration)+len(processing.Configuration))
	maps.Copy(out, b.opts.WorkflowConfiguration)
	maps.Copy(out, processing.Configuration)
	return out
}

// stage runs fn inside a span and under the per-call timeout, then sorts
// backend errors into business failures and retryable ones.
func (b *Builder) stage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "builder."+string(stage))
	defer span.End()

	callCtx := ctx
	if b.opts.CallTimeout > 0 && stage != StageTracksAdded {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return classify(ctx, stage, err)
}

// call applies the per-call timeout to a single backend call inside a stage
// that makes several.
func (b *Builder) call(ctx context.Context, fn func(ctx context.Context) (mediabackend.Package, error)) (mediabackend.Package, error) {
	if b.opts.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

func classify(ctx context.Context, stage Stage, err error) error {
	var stageErr *StageError
	switch {
	case errors.As(err, &stageErr):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", stage, err)
	case mediabackend.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", stage, err)
	default:
		return &StageError{Stage: stage, Reason: err.Error(), Err: err}
	}
}
