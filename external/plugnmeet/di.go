package plugnmeet

import (
	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/source"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (source.PlatformClient, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewClient(cfg.PlugNMeet.Host, cfg.PlugNMeet.Key, cfg.PlugNMeet.Secret, cfg.Opencast.Timeout), nil
	})
}
