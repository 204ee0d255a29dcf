package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/mediabackend"
)

type Resolver struct {
	templates Templates
	series    mediabackend.SeriesFinder
}

func NewResolver(templates Templates, series mediabackend.SeriesFinder) *Resolver {
	return &Resolver{templates: templates, series: series}
}

func (r *Resolver) Resolve(ctx context.Context, req ingest.ResolveMetadataRequest) (ingest.EventMetadata, error) {
	tpl, ok := r.templates[req.TemplateName]
	if !ok {
		return ingest.EventMetadata{}, fmt.Errorf("metadata template %q is not defined", req.TemplateName)
	}

	md := ingest.EventMetadata{
		Title:        req.Title,
		Subjects:     tpl.Subjects,
		Description:  tpl.Description,
		Language:     tpl.Language,
		License:      tpl.License,
		Rights:       tpl.Rights,
		Contributors: tpl.Contributors,
		Creators:     tpl.Creators,
		Publishers:   tpl.Publishers,
		Started:      req.Started,
		Ended:        req.Ended,
		Processing:   copyProcessing(tpl.Processing),
	}
	if req.SeriesName == "" {
		return md, nil
	}

	series, found, err := r.series.FindSeries(ctx, req.SeriesName)
	if err != nil {
		return ingest.EventMetadata{}, fmt.Errorf("failed to look up series %q: %w", req.SeriesName, err)
	}
	if !found {
		slog.Warn("series not found, event will not be assigned to a series", "series_name", req.SeriesName)
		return md, nil
	}
	return merge(md, series), nil
}

func merge(md ingest.EventMetadata, s mediabackend.Series) ingest.EventMetadata {
	md.SeriesID = s.ID
	md.Description = prefer(s.Description, md.Description)
	md.Language = prefer(s.Language, md.Language)
	md.License = prefer(s.License, md.License)
	md.Rights = prefer(s.Rights, md.Rights)
	md.Subjects = union(md.Subjects, s.Subjects)
	md.Contributors = union(md.Contributors, s.Contributors)
	md.Creators = union(md.Creators, s.Creators)
	md.Publishers = union(md.Publishers, s.Publishers)
	return md
}

func prefer(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// union keeps the order of first appearance.
func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func copyProcessing(p ingest.Processing) ingest.Processing {
	out := ingest.Processing{Workflow: p.Workflow}
	if len(p.Configuration) > 0 {
		out.Configuration = make(map[string]string, len(p.Configuration))
		for k, v := range p.Configuration {
			out.Configuration[k] = v
		}
	}
	return out
}

// Serve answers resolve requests arriving on the bus.
func (r *Resolver) Serve(b bus.Bus) {
	b.Respond(ingest.TopicResolveMetadata, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req ingest.ResolveMetadataRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid resolve request: %w", err)
		}
		md, err := r.Resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(md)
	})
}

// Request asks the resolver behind the bus for event metadata.
func Request(ctx context.Context, r bus.Requester, req ingest.ResolveMetadataRequest, timeout time.Duration) (ingest.EventMetadata, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ingest.EventMetadata{}, err
	}
	reply, err := r.SendAndAwaitReply(ctx, ingest.TopicResolveMetadata, payload, timeout)
	if err != nil {
		return ingest.EventMetadata{}, fmt.Errorf("failed to resolve event metadata: %w", err)
	}
	var md ingest.EventMetadata
	if err := json.Unmarshal(reply, &md); err != nil {
		return ingest.EventMetadata{}, fmt.Errorf("invalid metadata reply: %w", err)
	}
	return md, nil
}
