package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/platform/database"
)

const jobsTable = "jobs"

// JobRepository implements JobRepo against Postgres via sqlx/go-sqlbuilder,
// following the teacher's PlanRepository conventions (pkg/repositories/plan_repository.go).
type JobRepository struct {
	*Repository
}

func NewJobRepository(db database.DB, logger ectologger.Logger) *JobRepository {
	return &JobRepository{Repository: NewRepository(db, logger)}
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.Create")
	defer span.End()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt = now

	ib := database.NewInsertBuilder()
	ib.InsertInto(jobsTable).
		Cols("id", "tenant_id", "status", "audio_uri", "parameters", "audio_metadata",
			"created_at", "retry_count").
		Values(job.ID, job.TenantID, job.Status, job.AudioURI, job.Parameters, job.AudioMetadata,
			job.CreatedAt, job.RetryCount)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "create", jobsTable, err)
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	ctx, span := r.StartSpan(ctx, "JobRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "status", "audio_uri", "parameters", "audio_metadata",
		"created_at", "started_at", "completed_at", "error", "retry_count", "purge_after", "result_summary").
		From(jobsTable).
		Where(sb.Equal("id", id))

	query, args := sb.Build()
	var job models.Job
	err := r.DB().GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.LogError(ctx, "get", jobsTable, err)
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// SetRunning transitions pending->running and sets started_at (spec §4.5 step 3).
func (r *JobRepository) SetRunning(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.SetRunning")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(jobsTable).
		Set(
			ub.Assign("status", models.JobStatusRunning),
			ub.Assign("started_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id), ub.Equal("status", models.JobStatusPending))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_running", jobsTable, err)
		return fmt.Errorf("set job %s running: %w", id, err)
	}
	return nil
}

func (r *JobRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.SetStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	assigns := []string{ub.Assign("status", status)}
	if status.Terminal() {
		assigns = append(assigns, ub.Assign("completed_at", sqlbuilder.Raw("NOW()")))
	}
	ub.Update(jobsTable).Set(assigns...).Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_status", jobsTable, err)
		return fmt.Errorf("set job %s status: %w", id, err)
	}
	return nil
}

// CompareAndSetStatus is the conditional primitive job-status transitions
// use so concurrent handler deliveries never clobber each other (spec §5
// "conditional update in the DB").
func (r *JobRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.JobStatus) (bool, error) {
	ctx, span := r.StartSpan(ctx, "JobRepository.CompareAndSetStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	assigns := []string{ub.Assign("status", next)}
	if next.Terminal() {
		assigns = append(assigns, ub.Assign("completed_at", sqlbuilder.Raw("NOW()")))
	}
	ub.Update(jobsTable).Set(assigns...).
		Where(ub.Equal("id", id), ub.Equal("status", expected))

	query, args := ub.Build()
	res, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.LogError(ctx, "compare_and_set_status", jobsTable, err)
		return false, fmt.Errorf("cas job %s status: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// SetCompleted persists the terminal outcome of a job (status, error,
// result summary, and retention purge_after) in one write (spec §4.6 job
// completion check / §4.6 Retention).
func (r *JobRepository) SetCompleted(ctx context.Context, id uuid.UUID, status models.JobStatus, errMsg *string, result *models.ResultSummary, purgeAfter *time.Time) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.SetCompleted")
	defer span.End()

	ub := database.NewUpdateBuilder()
	assigns := []string{
		ub.Assign("status", status),
		ub.Assign("completed_at", sqlbuilder.Raw("NOW()")),
		ub.Assign("error", errMsg),
		ub.Assign("purge_after", purgeAfter),
	}
	if result != nil {
		assigns = append(assigns, ub.Assign("result_summary", database.NewJSONB(*result)))
	}
	ub.Update(jobsTable).Set(assigns...).Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_completed", jobsTable, err)
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

func (r *JobRepository) SetError(ctx context.Context, id uuid.UUID, errMsg string) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.SetError")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(jobsTable).Set(ub.Assign("error", errMsg)).Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_error", jobsTable, err)
		return fmt.Errorf("set job %s error: %w", id, err)
	}
	return nil
}

// ResetForRetry reverts a failed job back to pending and clears its
// terminal fields, ahead of the caller deleting its old tasks and
// re-emitting job.created (spec §6 retry_job).
func (r *JobRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.ResetForRetry")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(jobsTable).
		Set(
			ub.Assign("status", models.JobStatusPending),
			ub.Assign("started_at", nil),
			ub.Assign("completed_at", nil),
			ub.Assign("error", nil),
			ub.Assign("purge_after", nil),
			ub.Assign("result_summary", nil),
		).
		Where(ub.Equal("id", id), ub.Equal("status", models.JobStatusFailed))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "reset_for_retry", jobsTable, err)
		return fmt.Errorf("reset job %s for retry: %w", id, err)
	}
	return nil
}

// Delete removes the job row outright (spec §6 delete_job).
func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(jobsTable).Where(db.Equal("id", id))

	query, args := db.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "delete", jobsTable, err)
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (r *JobRepository) IncrementRetryCount(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.StartSpan(ctx, "JobRepository.IncrementRetryCount")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(jobsTable).
		Set(ub.Assign("retry_count", sqlbuilder.Raw("retry_count + 1"))).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "increment_retry_count", jobsTable, err)
		return fmt.Errorf("increment job %s retry count: %w", id, err)
	}
	return nil
}
