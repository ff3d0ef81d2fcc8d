package models

import (
	"time"
)

// ── Generation Jobs ──────────────────────────────────────────

type JobKind string

const (
	JobKindImage   JobKind = "image"
	JobKindVideo   JobKind = "video"
	JobKindGeneric JobKind = "generic"
)

// Stage maps a job kind to the campaign stage its outcome is recorded under.
func (k JobKind) Stage() Stage {
	switch k {
	case JobKindImage:
		return StageImageGeneration
	case JobKindVideo:
		return StageVideoGeneration
	default:
		return StageContentReview
	}
}

// JobStatus is the lifecycle state of a generation job:
//
//	queued → processing → completed
//	                    ↘ retry → queued (bounded by MaxRetries)
//	                    ↘ failed
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetry      JobStatus = "retry"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobErrorCode lets callers tell fail-fast guard rejections apart from
// provider errors.
type JobErrorCode string

const (
	ErrCodeProviderUnavailable JobErrorCode = "provider_unavailable"
	ErrCodeQuotaExceeded       JobErrorCode = "quota_exceeded"
	ErrCodeProviderFailure     JobErrorCode = "provider_failure"
	ErrCodeProviderTimeout     JobErrorCode = "provider_timeout"
)

// Job is one unit of generation work owned by the pipeline.
type Job struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	TargetID    string            `json:"target_id"`
	Kind        JobKind           `json:"kind"`
	Prompt      string            `json:"prompt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      JobStatus         `json:"status"`
	Progress    float64           `json:"progress"`
	Step        string            `json:"step,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	ResultRef   string            `json:"result_ref,omitempty"`
	FromCache   bool              `json:"from_cache,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   JobErrorCode      `json:"error_code,omitempty"`
	Retries     int               `json:"retries"`
	MaxRetries  int               `json:"max_retries"`
}

// Clone returns a copy detached from the pipeline's record.
func (j *Job) Clone() Job {
	out := *j
	out.Metadata = cloneStringMap(j.Metadata)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// CampaignStatus aggregates the jobs of one campaign.
type CampaignStatus struct {
	CampaignID                string  `json:"campaign_id"`
	TotalJobs                 int     `json:"total_jobs"`
	QueuedJobs                int     `json:"queued_jobs"`
	ProcessingJobs            int     `json:"processing_jobs"`
	CompletedJobs             int     `json:"completed_jobs"`
	FailedJobs                int     `json:"failed_jobs"`
	OverallProgress           float64 `json:"overall_progress"`
	EstimatedSecondsRemaining float64 `json:"estimated_seconds_remaining"`
}
