package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	BusTransportLocal = "local"
	BusTransportKafka = "kafka"

	ArchiveBackendFilesystem = "filesystem"
	ArchiveBackendObject     = "object"
)

type Config struct {
	Env       string
	LogLevel  string
	LogFormat string
	HTTPAddr  string

	// APIKey and APISecret authenticate signed inbound requests.
	APIKey    string
	APISecret string

	DatabaseURL string

	Redis     RedisConfig
	Queue     QueueConfig
	Bus       BusConfig
	Opencast  OpencastConfig
	Metadata  MetadataConfig
	PlugNMeet PlugNMeetConfig
	Epiphan   EpiphanConfig
	Archive   ArchiveConfig
	Schedule  ScheduleConfig
	Tracing   TracingConfig

	CompletionWebhookURL string
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

type QueueConfig struct {
	Stream            string
	Group             string
	Concurrency       int
	MaxAttempts       int
	VisibilityTimeout time.Duration
	DedupeTTL         time.Duration
}

type BusConfig struct {
	Transport      string
	KafkaBrokers   []string
	SubmitTopic    string
	CompletedTopic string
	GroupID        string
}

type ACLRule struct {
	Role   string `json:"role"`
	Action string `json:"action"`
	Allow  bool   `json:"allow"`
}

type OpencastConfig struct {
	URL                   string
	Username              string
	Password              string
	DefaultACL            string
	CustomACL             []ACLRule
	WorkflowSingle        string
	WorkflowMultiple      string
	WorkflowConfiguration map[string]string
	Timeout               time.Duration
}

type MetadataConfig struct {
	TemplatesFile     string
	TemplateName      string
	ResolveTimeout    time.Duration
	SeriesGroupFormat string
}

type PlugNMeetConfig struct {
	Enabled           bool
	Host              string
	Key               string
	Secret            string
	RecordingLocation string
	SeriesName        string
}

type EpiphanConfig struct {
	Enabled           bool
	RecordingLocation string
	WorkdirLocation   string
	ArchiveLocation   string
	SeriesName        string
}

type ArchiveConfig struct {
	Backend   string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type ScheduleConfig struct {
	DiscoveryInterval time.Duration
	SyncInterval      time.Duration
	PurgeInterval     time.Duration
}

type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if !c.PlugNMeet.Enabled && !c.Epiphan.Enabled {
		return fmt.Errorf("at least one of PLUGNMEET_ENABLED or EPIPHAN_ENABLED must be true")
	}
	if c.PlugNMeet.Enabled {
		for _, req := range c.plugNMeetFieldChecks() {
			if req.value == "" {
				return fmt.Errorf("%s is required when PLUGNMEET_ENABLED=true", req.name)
			}
		}
		if !strings.Contains(c.Metadata.SeriesGroupFormat, "%s") {
			return fmt.Errorf("SERIES_GROUP_FORMAT must contain %%s, got %q", c.Metadata.SeriesGroupFormat)
		}
	}
	if c.Epiphan.Enabled {
		for _, req := range c.epiphanFieldChecks() {
			if req.value == "" {
				return fmt.Errorf("%s is required when EPIPHAN_ENABLED=true", req.name)
			}
		}
	}
	if c.APISecret != "" && c.APIKey == "" {
		return fmt.Errorf("API_KEY is required when API_SECRET is set")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be positive, got %s", c.Queue.VisibilityTimeout)
	}
	for _, iv := range []struct {
		name  string
		value time.Duration
	}{
		{name: "DISCOVERY_INTERVAL", value: c.Schedule.DiscoveryInterval},
		{name: "SYNC_INTERVAL", value: c.Schedule.SyncInterval},
		{name: "PURGE_INTERVAL", value: c.Schedule.PurgeInterval},
		{name: "BACKEND_TIMEOUT", value: c.Opencast.Timeout},
		{name: "METADATA_RESOLVE_TIMEOUT", value: c.Metadata.ResolveTimeout},
	} {
		if iv.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", iv.name, iv.value)
		}
	}
	switch c.Bus.Transport {
	case BusTransportLocal:
	case BusTransportKafka:
		if len(c.Bus.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when BUS_TRANSPORT=kafka")
		}
	default:
		return fmt.Errorf("BUS_TRANSPORT must be %q or %q, got %q", BusTransportLocal, BusTransportKafka, c.Bus.Transport)
	}
	switch c.Archive.Backend {
	case ArchiveBackendFilesystem:
	case ArchiveBackendObject:
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("STORAGE_ENDPOINT and STORAGE_BUCKET are required when ARCHIVE_BACKEND=object")
		}
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be %q or %q, got %q", ArchiveBackendFilesystem, ArchiveBackendObject, c.Archive.Backend)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "REDIS_ADDR", value: c.Redis.Addr},
		{name: "OPENCAST_URL", value: c.Opencast.URL},
		{name: "OPENCAST_USERNAME", value: c.Opencast.Username},
		{name: "OPENCAST_PASSWORD", value: c.Opencast.Password},
		{name: "OPENCAST_WORKFLOW_SINGLE", value: c.Opencast.WorkflowSingle},
		{name: "OPENCAST_WORKFLOW_MULTIPLE", value: c.Opencast.WorkflowMultiple},
		{name: "METADATA_TEMPLATES_FILE", value: c.Metadata.TemplatesFile},
		{name: "METADATA_TEMPLATE", value: c.Metadata.TemplateName},
	}
}

func (c *Config) plugNMeetFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "PLUGNMEET_HOST", value: c.PlugNMeet.Host},
		{name: "PLUGNMEET_KEY", value: c.PlugNMeet.Key},
		{name: "PLUGNMEET_SECRET", value: c.PlugNMeet.Secret},
		{name: "PLUGNMEET_RECORDING_LOCATION", value: c.PlugNMeet.RecordingLocation},
		{name: "PLUGNMEET_SERIES_NAME", value: c.PlugNMeet.SeriesName},
	}
}

func (c *Config) epiphanFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "EPIPHAN_RECORDING_LOCATION", value: c.Epiphan.RecordingLocation},
		{name: "EPIPHAN_WORKDIR_LOCATION", value: c.Epiphan.WorkdirLocation},
		{name: "EPIPHAN_ARCHIVE_LOCATION", value: c.Epiphan.ArchiveLocation},
		{name: "EPIPHAN_SERIES_NAME", value: c.Epiphan.SeriesName},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// HasACL reports whether either ACL source is configured.
func (c *Config) HasACL() bool {
	return len(c.Opencast.CustomACL) > 0 || c.Opencast.DefaultACL != ""
}
