package kafkabus

import (
	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/samber/do/v2"
)

// RegisterDI provides the bus for the configured transport.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (bus.Bus, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.Bus.Transport != config.BusTransportKafka {
			local := bus.NewLocal()
			// A completion must not be acked before its handler succeeded.
			local.Synchronous(ingest.TopicIngestCompleted)
			return local, nil
		}
		return do.MustInvoke[*Bus](i), nil
	})
	do.Provide(injector, func(i do.Injector) (*Bus, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return New(Config{
			Brokers: cfg.Bus.KafkaBrokers,
			GroupID: cfg.Bus.GroupID,
			Topics: map[string]string{
				ingest.TopicSubmitIngestJob: cfg.Bus.SubmitTopic,
				ingest.TopicIngestCompleted: cfg.Bus.CompletedTopic,
			},
		}), nil
	})
}
