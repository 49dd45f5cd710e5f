package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/platform/database"
)

// JobStatus is the Job lifecycle state (spec §3/§4.6). Terminal states
// (completed, failed, cancelled) are absorbing.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// RetentionMode governs what happens to a completed job's artifacts.
type RetentionMode string

const (
	RetentionModeAutoDelete RetentionMode = "auto_delete"
	RetentionModeKeep       RetentionMode = "keep"
	RetentionModeNone       RetentionMode = "none"
)

// AudioMetadata describes the submitted audio (§3 "audio metadata").
type AudioMetadata struct {
	Format     string `json:"format,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	BitDepth   int    `json:"bit_depth,omitempty"`
}

// RetentionPolicy is folded into Job.Parameters at submission time and read
// back out on terminal-success transition to compute PurgeAfter (§4.6 Retention).
type RetentionPolicy struct {
	Mode  RetentionMode `json:"mode"`
	Hours int           `json:"hours,omitempty"`
}

// ResultSummary is computed on job completion from the merge task's output
// (§4.6 job-completion, stats supplemented from original_source/stats.py).
type ResultSummary struct {
	LanguageCode string `json:"language_code,omitempty"`
	WordCount    int    `json:"word_count"`
	SegmentCount int    `json:"segment_count"`
	SpeakerCount int    `json:"speaker_count"`
	CharCount    int    `json:"character_count"`
}

// JobParameters are the caller-supplied decision inputs consumed by the DAG
// builder (§4.4) plus the retention policy under which the job was accepted.
type JobParameters struct {
	TimestampsGranularity string           `json:"timestamps_granularity,omitempty"` // word | segment | none
	SpeakerDetection      string           `json:"speaker_detection,omitempty"`      // none | diarize | per_channel
	ModelID               string           `json:"model_id,omitempty"`
	NumSpeakers           *int             `json:"num_speakers,omitempty"`
	MinSpeakers           *int             `json:"min_speakers,omitempty"`
	MaxSpeakers           *int             `json:"max_speakers,omitempty"`
	PIIRedaction          bool             `json:"pii_redaction,omitempty"`
	DiarizeOptional       bool             `json:"diarize_optional,omitempty"`
	Extra                 map[string]any   `json:"extra,omitempty"`
	Retention             *RetentionPolicy `json:"retention,omitempty"`
}

// Job is the top-level unit of work (spec §3 Job).
type Job struct {
	ID             uuid.UUID                        `db:"id" json:"id"`
	TenantID       uuid.UUID                         `db:"tenant_id" json:"tenant_id"`
	Status         JobStatus                         `db:"status" json:"status"`
	AudioURI       string                             `db:"audio_uri" json:"audio_uri"`
	Parameters     database.JSONB[JobParameters]      `db:"parameters" json:"parameters"`
	AudioMetadata  database.JSONB[AudioMetadata]       `db:"audio_metadata" json:"audio_metadata"`
	CreatedAt      time.Time                          `db:"created_at" json:"created_at"`
	StartedAt      *time.Time                         `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time                         `db:"completed_at" json:"completed_at,omitempty"`
	Error          *string                            `db:"error" json:"error,omitempty"`
	RetryCount     int                                `db:"retry_count" json:"retry_count"`
	PurgeAfter     *time.Time                         `db:"purge_after" json:"purge_after,omitempty"`
	ResultSummary  *database.JSONB[ResultSummary]      `db:"result_summary" json:"result_summary,omitempty"`
}

func (Job) TableName() string { return "jobs" }
