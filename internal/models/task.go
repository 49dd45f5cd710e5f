package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/platform/database"
)

// TaskStatus is the Task lifecycle state (spec §4.6 Task states).
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusSkipped, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TerminalSuccess reports whether a dependency in this state satisfies a
// downstream task's readiness condition (completed or skipped, §3 Task invariants).
func (s TaskStatus) TerminalSuccess() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// TaskConfig carries stage-specific parameters resolved by the DAG builder
// (runtime_model_id, speaker hints, channel index, PII flags).
type TaskConfig struct {
	RuntimeModelID string         `json:"runtime_model_id,omitempty"`
	ChannelIndex   *int           `json:"channel_index,omitempty"`
	NumSpeakers    *int           `json:"num_speakers,omitempty"`
	MinSpeakers    *int           `json:"min_speakers,omitempty"`
	MaxSpeakers    *int           `json:"max_speakers,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Task is one node in a job's DAG (spec §3 Task).
type Task struct {
	ID           uuid.UUID                `db:"id" json:"id"`
	JobID        uuid.UUID                `db:"job_id" json:"job_id"`
	Stage        string                   `db:"stage" json:"stage"`
	EngineID     string                   `db:"engine_id" json:"engine_id"`
	Status       TaskStatus               `db:"status" json:"status"`
	Dependencies database.JSONB[[]uuid.UUID] `db:"dependencies" json:"dependencies"`
	Config       database.JSONB[TaskConfig]  `db:"config" json:"config"`
	InputURI     *string                  `db:"input_uri" json:"input_uri,omitempty"`
	OutputURI    *string                  `db:"output_uri" json:"output_uri,omitempty"`
	Retries      int                      `db:"retries" json:"retries"`
	MaxRetries   int                      `db:"max_retries" json:"max_retries"`
	Required     bool                     `db:"required" json:"required"`
	Error        *string                  `db:"error" json:"error,omitempty"`
	StartedAt    *time.Time               `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time               `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time                `db:"updated_at" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// BaseStage strips a per-channel suffix ("transcribe_ch0" -> "transcribe")
// so downstream engines agnostic of channel suffixes can look up aliased
// outputs (spec §4.5 Input resolution).
func BaseStage(stage string) string {
	idx := -1
	for i := len(stage) - 1; i >= 0; i-- {
		if stage[i] == '_' {
			idx = i
			break
		}
	}
	if idx == -1 {
		return stage
	}
	suffix := stage[idx+1:]
	if len(suffix) >= 3 && suffix[:2] == "ch" {
		if _, err := strconv.Atoi(suffix[2:]); err == nil {
			return stage[:idx]
		}
	}
	return stage
}
