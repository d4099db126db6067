package media

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AssetStatus tracks a media asset through the ingest and transcode lifecycle.
type AssetStatus string

const (
	StatusPending    AssetStatus = "pending"
	StatusQueued     AssetStatus = "queued"
	StatusProcessing AssetStatus = "processing"
	StatusCompleted  AssetStatus = "completed"
	StatusFailed     AssetStatus = "failed"
	StatusCancelled  AssetStatus = "cancelled"
)

var statusTransitions = map[AssetStatus][]AssetStatus{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusQueued, StatusFailed},
}

// Terminal reports whether the status admits no further transitions.
func (s AssetStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle states.
func (s AssetStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle graph permits moving from s to next.
func (s AssetStatus) CanTransition(next AssetStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored string into an AssetStatus.
func ParseStatus(raw string) (AssetStatus, error) {
	status := AssetStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown asset status %q", raw)
	}
	return status, nil
}

// Quality names one rung of the fixed bitrate ladder.
type Quality string

const (
	Quality360p  Quality = "360p"
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
)

// RenditionProfile describes the encode target for one ladder rung.
type RenditionProfile struct {
	Quality     Quality `json:"quality"`
	BitrateKbps int     `json:"bitrateKbps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
}

const (
	// AudioBitrateKbps is the AAC audio bitrate applied to every rendition.
	AudioBitrateKbps = 128
	// SegmentSeconds is the HLS segment duration for all renditions.
	SegmentSeconds = 6
)

// DefaultLadder returns the fixed bitrate ladder every asset is encoded into.
func DefaultLadder() []RenditionProfile {
	return []RenditionProfile{
		{Quality: Quality360p, BitrateKbps: 800, Width: 640, Height: 360},
		{Quality: Quality480p, BitrateKbps: 1400, Width: 854, Height: 480},
		{Quality: Quality720p, BitrateKbps: 2800, Width: 1280, Height: 720},
		{Quality: Quality1080p, BitrateKbps: 5000, Width: 1920, Height: 1080},
	}
}

// Rendition is one encoded quality variant of an asset. Immutable once written;
// the full set for an asset becomes visible atomically when the asset completes.
type Rendition struct {
	Quality      Quality `json:"quality"`
	BitrateKbps  int     `json:"bitrateKbps"`
	Resolution   string  `json:"resolution"`
	ManifestPath string  `json:"manifestPath"`
}

// Asset is the durable lifecycle record for one uploaded video.
type Asset struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenantId"`
	CourseID     string      `json:"courseId"`
	Filename     string      `json:"filename"`
	SourceKey    string      `json:"sourceKey,omitempty"`
	Status       AssetStatus `json:"status"`
	Attempt      int         `json:"attempt"`
	Renditions   []Rendition `json:"renditions,omitempty"`
	ManifestPath string      `json:"manifestPath,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// CloneRenditions copies a rendition list so callers cannot mutate stored state.
func CloneRenditions(src []Rendition) []Rendition {
	if len(src) == 0 {
		return nil
	}
	out := make([]Rendition, len(src))
	copy(out, src)
	return out
}

// StatusEvent is published on the asset.status topic for every transition.
// Delivery is at least once; consumers de-duplicate by (assetId, status).
type StatusEvent struct {
	AssetID      string      `json:"assetId"`
	Status       AssetStatus `json:"status"`
	Attempt      int         `json:"attempt"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// processingJobVersion guards the wire format of queued jobs.
const processingJobVersion = 1

// ProcessingJob is the unit of work leased by transcode workers. LeaseID and
// LeaseExpiresAt are owned by the queue and populated on lease.
type ProcessingJob struct {
	Version        int       `json:"version"`
	AssetID        string    `json:"assetId"`
	Attempt        int       `json:"attempt"`
	LeaseID        string    `json:"-"`
	LeaseExpiresAt time.Time `json:"-"`
}

// NewProcessingJob builds a job payload for the given asset and attempt.
func NewProcessingJob(assetID string, attempt int) ProcessingJob {
	return ProcessingJob{Version: processingJobVersion, AssetID: assetID, Attempt: attempt}
}

// EncodeProcessingJob serialises the job for queue transport.
func EncodeProcessingJob(job ProcessingJob) ([]byte, error) {
	if job.Version == 0 {
		job.Version = processingJobVersion
	}
	return json.Marshal(job)
}

// DecodeProcessingJob parses and validates a queued job payload.
func DecodeProcessingJob(data []byte) (ProcessingJob, error) {
	var job ProcessingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return ProcessingJob{}, fmt.Errorf("decode processing job: %w", err)
	}
	if job.Version != processingJobVersion {
		return ProcessingJob{}, fmt.Errorf("unsupported processing job version %d", job.Version)
	}
	if strings.TrimSpace(job.AssetID) == "" {
		return ProcessingJob{}, fmt.Errorf("processing job is missing assetId")
	}
	if job.Attempt < 1 {
		return ProcessingJob{}, fmt.Errorf("processing job attempt %d is invalid", job.Attempt)
	}
	return job, nil
}
