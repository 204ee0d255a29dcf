package main

import (
	"fmt"

	archiveimpl "github.com/foxseedlab/ingestbridge/external/archive"
	"github.com/foxseedlab/ingestbridge/external/httpapi"
	"github.com/foxseedlab/ingestbridge/external/kafkabus"
	"github.com/foxseedlab/ingestbridge/external/opencast"
	"github.com/foxseedlab/ingestbridge/external/plugnmeet"
	"github.com/foxseedlab/ingestbridge/external/redisqueue"
	repositoryimpl "github.com/foxseedlab/ingestbridge/external/repository"
	webhookimpl "github.com/foxseedlab/ingestbridge/external/webhook"
	"github.com/foxseedlab/ingestbridge/internal/builder"
	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/correlator"
	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
	"github.com/foxseedlab/ingestbridge/internal/mediabackend"
	"github.com/foxseedlab/ingestbridge/internal/metadata"
	"github.com/foxseedlab/ingestbridge/internal/orchestrator"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	"github.com/foxseedlab/ingestbridge/internal/scheduler"
	"github.com/foxseedlab/ingestbridge/internal/source"
	"github.com/foxseedlab/ingestbridge/internal/webhook"
	"github.com/samber/do/v2"
)

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	redisqueue.RegisterDI(injector)
	kafkabus.RegisterDI(injector)
	opencast.RegisterDI(injector)
	plugnmeet.RegisterDI(injector)
	archiveimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	registerCore(injector)
	httpapi.RegisterDI(injector)

	return injector
}

func registerCore(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*metadata.Resolver, error) {
		cfg := do.MustInvoke[*config.Config](i)
		templates, err := metadata.LoadTemplates(cfg.Metadata.TemplatesFile)
		if err != nil {
			return nil, err
		}
		if _, ok := templates[cfg.Metadata.TemplateName]; !ok {
			return nil, fmt.Errorf("metadata template %q is not defined in %s", cfg.Metadata.TemplateName, cfg.Metadata.TemplatesFile)
		}
		r := metadata.NewResolver(templates, do.MustInvoke[mediabackend.SeriesFinder](i))
		r.Serve(do.MustInvoke[bus.Bus](i))
		return r, nil
	})
	do.Provide(injector, func(i do.Injector) (*builder.Builder, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return builder.New(do.MustInvoke[mediabackend.Backend](i), builder.Options{
			CustomACL:             aclRules(cfg.Opencast.CustomACL),
			DefaultACL:            cfg.Opencast.DefaultACL,
			WorkflowSingle:        cfg.Opencast.WorkflowSingle,
			WorkflowMultiple:      cfg.Opencast.WorkflowMultiple,
			WorkflowConfiguration: cfg.Opencast.WorkflowConfiguration,
			CallTimeout:           cfg.Opencast.Timeout,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*queue.Pool, error) {
		cfg := do.MustInvoke[*config.Config](i)
		b := do.MustInvoke[bus.Bus](i)
		backend := do.MustInvoke[queue.Backend](i)
		queue.Subscribe(b, backend)
		return queue.NewPool(backend, do.MustInvoke[*builder.Builder](i), correlator.New(b), queue.PoolOptions{
			Concurrency: cfg.Queue.Concurrency,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Heartbeat:   cfg.Queue.VisibilityTimeout / 3,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*source.PlatformAdapter, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return source.NewPlatformAdapter(
			do.MustInvoke[source.PlatformClient](i),
			do.MustInvoke[lifecycle.Store](i),
			do.MustInvoke[bus.Bus](i),
			source.PlatformOptions{
				RecordingLocation: cfg.PlugNMeet.RecordingLocation,
				SeriesGroupFormat: cfg.Metadata.SeriesGroupFormat,
				Metadata:          metadataOptions(cfg, cfg.PlugNMeet.SeriesName),
			},
		), nil
	})
	do.Provide(injector, func(i do.Injector) (*source.DeviceAdapter, error) {
		cfg := do.MustInvoke[*config.Config](i)
		a := source.NewDeviceAdapter(
			do.MustInvoke[lifecycle.Store](i),
			do.MustInvoke[bus.Bus](i),
			do.MustInvoke[source.Archiver](i),
			source.DeviceOptions{
				LandingLocation: cfg.Epiphan.RecordingLocation,
				WorkdirLocation: cfg.Epiphan.WorkdirLocation,
				Metadata:        metadataOptions(cfg, cfg.Epiphan.SeriesName),
			},
		)
		if err := a.Prepare(); err != nil {
			return nil, err
		}
		return a, nil
	})
	do.Provide(injector, func(i do.Injector) (*orchestrator.Orchestrator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		b := do.MustInvoke[bus.Bus](i)
		router := correlator.NewRouter()
		router.Notify(do.MustInvoke[webhook.Sender](i))

		var adapters []source.Adapter
		var creator orchestrator.SessionCreator
		if cfg.PlugNMeet.Enabled {
			a := do.MustInvoke[*source.PlatformAdapter](i)
			adapters = append(adapters, a)
			router.Register(a.Name(), a)
			creator = a
		}
		if cfg.Epiphan.Enabled {
			a := do.MustInvoke[*source.DeviceAdapter](i)
			adapters = append(adapters, a)
			router.Register(a.Name(), a)
		}
		router.Subscribe(b)
		return orchestrator.New(do.MustInvoke[lifecycle.Store](i), b, adapters, creator), nil
	})
	do.Provide(injector, func(i do.Injector) (*scheduler.Scheduler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		s := scheduler.New()
		do.MustInvoke[*orchestrator.Orchestrator](i).Register(s, cfg.Schedule)
		return s, nil
	})
}

func metadataOptions(cfg *config.Config, seriesName string) source.MetadataOptions {
	return source.MetadataOptions{
		TemplateName:   cfg.Metadata.TemplateName,
		SeriesName:     seriesName,
		ResolveTimeout: cfg.Metadata.ResolveTimeout,
	}
}

func aclRules(rules []config.ACLRule) []mediabackend.ACLRule {
	out := make([]mediabackend.ACLRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, mediabackend.ACLRule{Role: r.Role, Action: r.Action, Allow: r.Allow})
	}
	return out
}
