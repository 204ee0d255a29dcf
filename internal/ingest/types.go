package ingest

import "time"

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusBuilding  JobStatus = "building"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Completed() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

type Processing struct {
	// Workflow is carried for the record. The builder always picks the
	// workflow by track count.
	Workflow      string            `json:"workflow,omitempty"`
	Configuration map[string]string `json:"configuration,omitempty"`
}

type EventMetadata struct {
	Title        string     `json:"title"`
	Subjects     []string   `json:"subjects,omitempty"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	Language     string     `json:"language,omitempty"`
	License      string     `json:"license,omitempty"`
	Rights       string     `json:"rights,omitempty"`
	SeriesID     string     `json:"series_id,omitempty"`
	Contributors []string   `json:"contributors,omitempty"`
	Creators     []string   `json:"creators,omitempty"`
	Publishers   []string   `json:"publishers,omitempty"`
	Started      time.Time  `json:"started"`
	Ended        time.Time  `json:"ended"`
	Processing   Processing `json:"processing"`
}

type Recording struct {
	Path      string    `json:"path"`
	RecordID  string    `json:"record_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
}

func RecordingPaths(recs []Recording) []string {
	paths := make([]string, 0, len(recs))
	for _, r := range recs {
		paths = append(paths, r.Path)
	}
	return paths
}

// SubmitRequest is the payload of the SubmitIngestJob event.
type SubmitRequest struct {
	RecordingPaths   []string      `json:"recording_paths"`
	EventMetadata    EventMetadata `json:"event_metadata"`
	CorrelationToken string        `json:"correlation_token"`
	OriginSource     string        `json:"origin_source"`
}

type Job struct {
	ID               string        `json:"id"`
	CorrelationToken string        `json:"correlation_token"`
	OriginSource     string        `json:"origin_source"`
	RecordingPaths   []string      `json:"recording_paths"`
	EventMetadata    EventMetadata `json:"event_metadata"`
	Attempts         int           `json:"attempts"`
	Status           JobStatus     `json:"status"`
	Reason           string        `json:"reason,omitempty"`
	EnqueuedAt       time.Time     `json:"enqueued_at"`
}

type Outcome struct {
	Success           bool
	ExternalPackageID string
	Reason            string
}

func Succeeded(packageID string) Outcome {
	return Outcome{Success: true, ExternalPackageID: packageID}
}

func Failed(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Completion is the payload of the IngestCompleted event.
type Completion struct {
	JobID             string    `json:"job_id"`
	CorrelationToken  string    `json:"correlation_token"`
	OriginSource      string    `json:"origin_source"`
	Success           bool      `json:"success"`
	ExternalPackageID string    `json:"external_package_id,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	CompletedAt       time.Time `json:"completed_at"`
}

const (
	TopicSubmitIngestJob = "ingest.submit"
	TopicIngestCompleted = "ingest.completed"
	TopicResolveMetadata = "metadata.resolve"
)

// ResolveMetadataRequest is the payload of the ResolveEventMetadata call.
type ResolveMetadataRequest struct {
	TemplateName string    `json:"template_name"`
	SeriesName   string    `json:"series_name"`
	Started      time.Time `json:"started"`
	Ended        time.Time `json:"ended"`
	Title        string    `json:"title"`
}
