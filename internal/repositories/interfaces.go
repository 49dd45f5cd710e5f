package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/models"
)

// JobRepo is the persistence contract the scheduler, event handlers, and
// reconciler depend on for the jobs table (spec §3 Job).
type JobRepo interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// SetRunning transitions pending->running and sets started_at, only if
	// the job is still pending (spec §4.5 step 3).
	SetRunning(ctx context.Context, id uuid.UUID) error
	// SetStatus performs an unconditional status write, used by terminal
	// transitions the caller has already reasoned must happen (job
	// completion check, cancel-requested path).
	SetStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	// CompareAndSetStatus updates status only if the row's current status
	// equals expected, returning whether the update applied.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.JobStatus) (bool, error)
	SetCompleted(ctx context.Context, id uuid.UUID, status models.JobStatus, errMsg *string, result *models.ResultSummary, purgeAfter *time.Time) error
	SetError(ctx context.Context, id uuid.UUID, errMsg string) error
	IncrementRetryCount(ctx context.Context, id uuid.UUID) error
	// ResetForRetry reverts a failed job to pending, clearing its terminal
	// fields, ahead of re-emitting job.created (spec §6 retry_job).
	ResetForRetry(ctx context.Context, id uuid.UUID) error
	// Delete removes the job row outright (spec §6 delete_job, only
	// permitted in a terminal state by the caller).
	Delete(ctx context.Context, id uuid.UUID) error
}

// TaskRepo is the persistence contract for the tasks table (spec §3 Task).
type TaskRepo interface {
	CreateBatch(ctx context.Context, tasks []models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Task, error)
	ExistsForJob(ctx context.Context, jobID uuid.UUID) (bool, error)
	// CompareAndSetStatus atomically transitions a task from expected to
	// next, returning whether the row matched (spec §4.6 conditional updates).
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.TaskStatus) (bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) error
	SetRunning(ctx context.Context, id uuid.UUID) (bool, error)
	SetCompleted(ctx context.Context, id uuid.UUID, outputURI string) error
	SetFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	SetSkipped(ctx context.Context, id uuid.UUID, errMsg string) error
	SetCancelledIfPendingOrReady(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error)
	SetInputURI(ctx context.Context, id uuid.UUID, inputURI string) error
	IncrementRetries(ctx context.Context, id uuid.UUID) error
	// ListActiveStages returns the distinct stages of every ready/running
	// task, i.e. every stage stream the reconciler needs to inspect for
	// PEL entries this sweep (spec §4.7 step 1).
	ListActiveStages(ctx context.Context) ([]string, error)
	// ListStaleRunning returns tasks that have been running longer than
	// olderThan (spec §4.7 step 2's orphan candidates).
	ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]models.Task, error)
	// DeleteByJob removes every task row belonging to a job, used ahead of
	// retry_job's DAG rebuild and by delete_job's purge (spec §6).
	DeleteByJob(ctx context.Context, jobID uuid.UUID) error
}
