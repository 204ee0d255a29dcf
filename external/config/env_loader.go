package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/ingestbridge/internal/config"
)

type envConfig struct {
	Env       string `env:"ENV" envDefault:"production"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	APIKey    string `env:"API_KEY"`
	APISecret string `env:"API_SECRET"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUsername string `env:"REDIS_USERNAME"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	QueueStream            string        `env:"QUEUE_STREAM" envDefault:"ingestbridge:jobs"`
	QueueGroup             string        `env:"QUEUE_GROUP" envDefault:"ingest-workers"`
	QueueConcurrency       int           `env:"QUEUE_CONCURRENCY" envDefault:"2"`
	QueueMaxAttempts       int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"10m"`
	QueueDedupeTTL         time.Duration `env:"QUEUE_DEDUPE_TTL" envDefault:"168h"`

	BusTransport        string   `env:"BUS_TRANSPORT" envDefault:"local"`
	KafkaBrokers        []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaSubmitTopic    string   `env:"KAFKA_SUBMIT_TOPIC" envDefault:"ingestbridge.ingest.submit"`
	KafkaCompletedTopic string   `env:"KAFKA_COMPLETED_TOPIC" envDefault:"ingestbridge.ingest.completed"`
	KafkaGroupID        string   `env:"KAFKA_GROUP_ID" envDefault:"ingestbridge"`

	OpencastURL                   string        `env:"OPENCAST_URL,required"`
	OpencastUsername              string        `env:"OPENCAST_USERNAME,required"`
	OpencastPassword              string        `env:"OPENCAST_PASSWORD,required"`
	OpencastDefaultACL            string        `env:"OPENCAST_DEFAULT_ACL"`
	OpencastCustomACL             string        `env:"OPENCAST_CUSTOM_ACL"`
	OpencastWorkflowSingle        string        `env:"OPENCAST_WORKFLOW_SINGLE,required"`
	OpencastWorkflowMultiple      string        `env:"OPENCAST_WORKFLOW_MULTIPLE,required"`
	OpencastWorkflowConfiguration string        `env:"OPENCAST_WORKFLOW_CONFIGURATION" envDefault:"{}"`
	BackendTimeout                time.Duration `env:"BACKEND_TIMEOUT" envDefault:"2m"`

	MetadataTemplatesFile  string        `env:"METADATA_TEMPLATES_FILE,required"`
	MetadataTemplate       string        `env:"METADATA_TEMPLATE,required"`
	MetadataResolveTimeout time.Duration `env:"METADATA_RESOLVE_TIMEOUT" envDefault:"30s"`
	SeriesGroupFormat      string        `env:"SERIES_GROUP_FORMAT" envDefault:"Course_Series_%s"`

	PlugNMeetEnabled           bool   `env:"PLUGNMEET_ENABLED" envDefault:"false"`
	PlugNMeetHost              string `env:"PLUGNMEET_HOST"`
	PlugNMeetKey               string `env:"PLUGNMEET_KEY"`
	PlugNMeetSecret            string `env:"PLUGNMEET_SECRET"`
	PlugNMeetRecordingLocation string `env:"PLUGNMEET_RECORDING_LOCATION"`
	PlugNMeetSeriesName        string `env:"PLUGNMEET_SERIES_NAME"`

	EpiphanEnabled           bool   `env:"EPIPHAN_ENABLED" envDefault:"false"`
	EpiphanRecordingLocation string `env:"EPIPHAN_RECORDING_LOCATION"`
	EpiphanWorkdirLocation   string `env:"EPIPHAN_WORKDIR_LOCATION"`
	EpiphanArchiveLocation   string `env:"EPIPHAN_ARCHIVE_LOCATION"`
	EpiphanSeriesName        string `env:"EPIPHAN_SERIES_NAME"`

	ArchiveBackend   string `env:"ARCHIVE_BACKEND" envDefault:"filesystem"`
	StorageEndpoint  string `env:"STORAGE_ENDPOINT"`
	StorageRegion    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	StorageBucket    string `env:"STORAGE_BUCKET"`
	StorageAccessKey string `env:"STORAGE_ACCESS_KEY"`
	StorageSecretKey string `env:"STORAGE_SECRET_KEY"`
	StorageUseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`

	DiscoveryInterval time.Duration `env:"DISCOVERY_INTERVAL" envDefault:"10s"`
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	PurgeInterval     time.Duration `env:"PURGE_INTERVAL" envDefault:"5m"`

	TracingEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracingInsecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	TracingSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`

	CompletionWebhookURL string `env:"COMPLETION_WEBHOOK_URL"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}
	return fromEnv(raw)
}

func fromEnv(raw envConfig) (*internalconfig.Config, error) {
	customACL, err := parseCustomACL(raw.OpencastCustomACL)
	if err != nil {
		return nil, err
	}
	workflowConfig, err := parseWorkflowConfiguration(raw.OpencastWorkflowConfiguration)
	if err != nil {
		return nil, err
	}

	cfg := &internalconfig.Config{
		Env:         raw.Env,
		LogLevel:    raw.LogLevel,
		LogFormat:   raw.LogFormat,
		HTTPAddr:    raw.HTTPAddr,
		APIKey:      raw.APIKey,
		APISecret:   raw.APISecret,
		DatabaseURL: raw.DatabaseURL,
		Redis: internalconfig.RedisConfig{
			Addr:     raw.RedisAddr,
			Username: raw.RedisUsername,
			Password: raw.RedisPassword,
			DB:       raw.RedisDB,
		},
		Queue: internalconfig.QueueConfig{
			Stream:            raw.QueueStream,
			Group:             raw.QueueGroup,
			Concurrency:       raw.QueueConcurrency,
			MaxAttempts:       raw.QueueMaxAttempts,
			VisibilityTimeout: raw.QueueVisibilityTimeout,
			DedupeTTL:         raw.QueueDedupeTTL,
		},
		Bus: internalconfig.BusConfig{
			Transport:      strings.ToLower(strings.TrimSpace(raw.BusTransport)),
			KafkaBrokers:   trimAll(raw.KafkaBrokers),
			SubmitTopic:    raw.KafkaSubmitTopic,
			CompletedTopic: raw.KafkaCompletedTopic,
			GroupID:        raw.KafkaGroupID,
		},
		Opencast: internalconfig.OpencastConfig{
			URL:                   strings.TrimRight(raw.OpencastURL, "/"),
			Username:              raw.OpencastUsername,
			Password:              raw.OpencastPassword,
			DefaultACL:            strings.TrimSpace(raw.OpencastDefaultACL),
			CustomACL:             customACL,
			WorkflowSingle:        raw.OpencastWorkflowSingle,
			WorkflowMultiple:      raw.OpencastWorkflowMultiple,
			WorkflowConfiguration: workflowConfig,
			Timeout:               raw.BackendTimeout,
		},
		Metadata: internalconfig.MetadataConfig{
			TemplatesFile:     raw.MetadataTemplatesFile,
			TemplateName:      raw.MetadataTemplate,
			ResolveTimeout:    raw.MetadataResolveTimeout,
			SeriesGroupFormat: raw.SeriesGroupFormat,
		},
		PlugNMeet: internalconfig.PlugNMeetConfig{
			Enabled:           raw.PlugNMeetEnabled,
			Host:              strings.TrimRight(raw.PlugNMeetHost, "/"),
			Key:               raw.PlugNMeetKey,
			Secret:            raw.PlugNMeetSecret,
			RecordingLocation: raw.PlugNMeetRecordingLocation,
			SeriesName:        raw.PlugNMeetSeriesName,
		},
		Epiphan: internalconfig.EpiphanConfig{
			Enabled:           raw.EpiphanEnabled,
			RecordingLocation: raw.EpiphanRecordingLocation,
			WorkdirLocation:   raw.EpiphanWorkdirLocation,
			ArchiveLocation:   raw.EpiphanArchiveLocation,
			SeriesName:        raw.EpiphanSeriesName,
		},
		Archive: internalconfig.ArchiveConfig{
			Backend:   strings.ToLower(strings.TrimSpace(raw.ArchiveBackend)),
			Endpoint:  raw.StorageEndpoint,
			Region:    raw.StorageRegion,
			Bucket:    raw.StorageBucket,
			AccessKey: raw.StorageAccessKey,
			SecretKey: raw.StorageSecretKey,
			UseSSL:    raw.StorageUseSSL,
		},
		Schedule: internalconfig.ScheduleConfig{
			DiscoveryInterval: raw.DiscoveryInterval,
			SyncInterval:      raw.SyncInterval,
			PurgeInterval:     raw.PurgeInterval,
		},
		Tracing: internalconfig.TracingConfig{
			Endpoint:    raw.TracingEndpoint,
			Insecure:    raw.TracingInsecure,
			SampleRatio: raw.TracingSampleRatio,
		},
		CompletionWebhookURL: raw.CompletionWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseCustomACL(raw string) ([]internalconfig.ACLRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var rules []internalconfig.ACLRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("OPENCAST_CUSTOM_ACL is invalid: %w", err)
	}
	for i, r := range rules {
		if r.Role == "" || r.Action == "" {
			return nil, fmt.Errorf("OPENCAST_CUSTOM_ACL rule %d needs role and action", i)
		}
	}
	return rules, nil
}

func parseWorkflowConfiguration(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}
	values := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("OPENCAST_WORKFLOW_CONFIGURATION is invalid: %w", err)
	}
	return values, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
