package opencast

import (
	"net/http"

	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/mediabackend"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewClient(cfg.Opencast.URL, cfg.Opencast.Username, cfg.Opencast.Password, &http.Client{}), nil
	})
	do.Provide(injector, func(i do.Injector) (mediabackend.Backend, error) {
		return do.MustInvoke[*Client](i), nil
	})
	do.Provide(injector, func(i do.Injector) (mediabackend.SeriesFinder, error) {
		return do.MustInvoke[*Client](i), nil
	})
}
