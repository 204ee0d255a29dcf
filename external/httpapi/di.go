package httpapi

import (
	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/orchestrator"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		h := NewHandler(
			do.MustInvoke[*orchestrator.Orchestrator](i),
			do.MustInvoke[queue.Backend](i),
			Auth{Key: cfg.APIKey, Secret: cfg.APISecret},
		)
		return NewServer(cfg.HTTPAddr, h), nil
	})
}
