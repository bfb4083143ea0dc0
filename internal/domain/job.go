package domain

import "time"

// JobStatus enumerates the enhancement job lifecycle states.
type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusDownloading    JobStatus = "downloading"
	JobStatusPreprocessing  JobStatus = "preprocessing"
	JobStatusRendering      JobStatus = "rendering"
	JobStatusPostprocessing JobStatus = "postprocessing"
	JobStatusUploading      JobStatus = "uploading"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCanceled       JobStatus = "canceled"
)

// Terminal reports whether the status permits no further transition.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// ValidProgressStatus reports whether the status is an in-flight stage a
// provider callback may report.
func ValidProgressStatus(s JobStatus) bool {
	switch s {
	case JobStatusQueued, JobStatusDownloading, JobStatusPreprocessing,
		JobStatusRendering, JobStatusPostprocessing, JobStatusUploading:
		return true
	}
	return false
}

// Mask is a polygonal region of the input image to re-render with a material.
type Mask struct {
	ID         string       `json:"id"`
	MaterialID string       `json:"material_id"`
	Points     [][2]float64 `json:"points"`
}

// Calibration carries measured scale hints for the renderer. Values are
// free-form named floats (e.g. pixels_per_meter).
type Calibration map[string]float64

// EnhancementJob is one rendering request dispatched to the external provider.
type EnhancementJob struct {
	ID                 string
	TenantID           string
	UserID             string
	PhotoID            string
	InputURL           string
	CompositeInputURL  string
	InputHash          string
	CacheKey           string
	IdempotencyKey     string
	Masks              []Mask
	Calibration        Calibration
	Options            map[string]any
	Provider           string
	Model              string
	Status             JobStatus
	ProgressPercent    int
	ErrorMessage       string
	ErrorCode          string
	ReservedCostMicros int64
	CostMicros         int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	CanceledAt         *time.Time
}

// Variant is one rendered output of a completed job. Rank is 0-based and
// unique within the job.
type Variant struct {
	ID        string `json:"id,omitempty"`
	JobID     string `json:"-"`
	OutputURL string `json:"url"`
	Rank      int    `json:"rank"`
}
