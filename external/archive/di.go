package archive

import (
	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/source"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (source.Archiver, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.Archive.Backend == config.ArchiveBackendObject {
			a, err := NewObjectArchiver(ObjectConfig{
				Endpoint:  cfg.Archive.Endpoint,
				Region:    cfg.Archive.Region,
				Bucket:    cfg.Archive.Bucket,
				AccessKey: cfg.Archive.AccessKey,
				SecretKey: cfg.Archive.SecretKey,
				UseSSL:    cfg.Archive.UseSSL,
			})
			if err != nil {
				return nil, err
			}
			return a, nil
		}
		return NewFilesystemArchiver(cfg.Epiphan.ArchiveLocation), nil
	})
}
