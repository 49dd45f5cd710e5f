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

const tasksTable = "tasks"

// TaskRepository implements TaskRepo, grounded on the teacher's
// PlanRepository/PlanExecutionRepository pattern (conditional UPDATEs
// against status, insert batches for a job's DAG).
type TaskRepository struct {
	*Repository
}

func NewTaskRepository(db database.DB, logger ectologger.Logger) *TaskRepository {
	return &TaskRepository{Repository: NewRepository(db, logger)}
}

// CreateBatch persists every task of a freshly built DAG in one statement
// (spec §4.5 step 2: "persist all task rows atomically").
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []models.Task) error {
	ctx, span := r.StartSpan(ctx, "TaskRepository.CreateBatch")
	defer span.End()
	if len(tasks) == 0 {
		return nil
	}

	now := time.Now().UTC()
	ib := database.NewInsertBuilder()
	ib.InsertInto(tasksTable).Cols(
		"id", "job_id", "stage", "engine_id", "status", "dependencies", "config",
		"input_uri", "output_uri", "retries", "max_retries", "required", "created_at", "updated_at",
	)
	for i := range tasks {
		t := &tasks[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		ib.Values(t.ID, t.JobID, t.Stage, t.EngineID, t.Status, t.Dependencies, t.Config,
			t.InputURI, t.OutputURI, t.Retries, t.MaxRetries, t.Required, t.CreatedAt, t.UpdatedAt)
	}

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "create_batch", tasksTable, err)
		return fmt.Errorf("create tasks: %w", err)
	}
	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	ctx, span := r.StartSpan(ctx, "TaskRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "job_id", "stage", "engine_id", "status", "dependencies", "config",
		"input_uri", "output_uri", "retries", "max_retries", "required", "error",
		"started_at", "completed_at", "created_at", "updated_at").
		From(tasksTable).Where(sb.Equal("id", id))

	query, args := sb.Build()
	var task models.Task
	err := r.DB().GetContext(ctx, &task, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.LogError(ctx, "get", tasksTable, err)
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

func (r *TaskRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Task, error) {
	ctx, span := r.StartSpan(ctx, "TaskRepository.ListByJob")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "job_id", "stage", "engine_id", "status", "dependencies", "config",
		"input_uri", "output_uri", "retries", "max_retries", "required", "error",
		"started_at", "completed_at", "created_at", "updated_at").
		From(tasksTable).Where(sb.Equal("job_id", jobID)).OrderBy("created_at")

	query, args := sb.Build()
	var tasks []models.Task
	if err := r.DB().SelectContext(ctx, &tasks, query, args...); err != nil {
		r.LogError(ctx, "list_by_job", tasksTable, err)
		return nil, fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	return tasks, nil
}

// ExistsForJob reports whether any task row already exists for the job,
// used for the job.created replay guard (spec §4.5 step 1).
func (r *TaskRepository) ExistsForJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	ctx, span := r.StartSpan(ctx, "TaskRepository.ExistsForJob")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("1").From(tasksTable).Where(sb.Equal("job_id", jobID)).Limit(1)

	query, args := sb.Build()
	var one int
	err := r.DB().GetContext(ctx, &one, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.LogError(ctx, "exists_for_job", tasksTable, err)
		return false, fmt.Errorf("check tasks for job %s: %w", jobID, err)
	}
	return true, nil
}

// CompareAndSetStatus is the conditional primitive every task-state
// transition in §4.6 is built on.
func (r *TaskRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.TaskStatus) (bool, error) {
	ctx, span := r.StartSpan(ctx, "TaskRepository.CompareAndSetStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	assigns := []string{ub.Assign("status", next), ub.Assign("updated_at", sqlbuilder.Raw("NOW()"))}
	if next == models.TaskStatusRunning {
		assigns = append(assigns, ub.Assign("started_at", sqlbuilder.Raw("NOW()")))
	}
	if next.Terminal() {
		assigns = append(assigns, ub.Assign("completed_at", sqlbuilder.Raw("NOW()")))
	}
	ub.Update(tasksTable).Set(assigns...).
		Where(ub.Equal("id", id), ub.Equal("status", expected))

	query, args := ub.Build()
	res, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.LogError(ctx, "compare_and_set_status", tasksTable, err)
		return false, fmt.Errorf("cas task %s status: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *TaskRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) error {
	ctx, span := r.StartSpan(ctx, "TaskRepository.SetStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	assigns := []string{ub.Assign("status", status), ub.Assign("updated_at", sqlbuilder.Raw("NOW()"))}
	if status.Terminal() {
		assigns = append(assigns, ub.Assign("completed_at", sqlbuilder.Raw("NOW()")))
	}
	ub.Update(tasksTable).Set(assigns...).Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_status", tasksTable, err)
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	return nil
}

// SetRunning atomically applies ready->running (spec §4.6 task.started
// handler contract), reporting whether the row was still ready.
func (r *TaskRepository) SetRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.CompareAndSetStatus(ctx, id, models.TaskStatusReady, models.TaskStatusRunning)
}

func (r *TaskRepository) SetCompleted(ctx context.Context, id uuid.UUID, outputURI string) error {
	ctx, span := r.StartSpan(ctx, "TaskRepository.SetCompleted")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tasksTable).
		Set(
			ub.Assign("status", models.TaskStatusCompleted),
			ub.Assign("output_uri", outputURI),
			ub.Assign("error", nil),
			ub.Assign("completed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_completed", tasksTable, err)
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

func (r *TaskRepository) SetFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.setTerminalWithError(ctx, id, models.TaskStatusFailed, errMsg)
}

func (r *TaskRepository) SetSkipped(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.setTerminalWithError(ctx, id, models.TaskStatusSkipped, errMsg)
}

func (r *TaskRepository) setTerminalWithError(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg string) error {
	ctx, span := r.StartSpan(ctx, "TaskRepository.setTerminalWithError")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tasksTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("error", errMsg),
			ub.Assign("completed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_terminal", tasksTable, err)
		return fmt.Errorf("set task %s %s: %w", id, status, err)
	}
	return nil
}

// SetCancelledIfPendingOrReady cancels every pending/ready task of a job in
// one statement, returning the ids actually cancelled (spec §4.6
// job.cancel_requested, task.completed cancelling-path).
func (r *TaskRepository) SetCancelledIfPendingOrReady(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := r.StartSpan(ctx, "TaskRepository.SetCancelledIfPendingOrReady")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tasksTable).
		Set(
			ub.Assign("status", models.TaskStatusCancelled),
			ub.Assign("completed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("job_id", jobID),
			ub.In("status", models.TaskStatusPending, models.TaskStatusReady),
		)
	ub.SQL("RETURNING id")

	query, args := ub.Build()
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		r.LogError(ctx, "cancel_pending_ready", tasksTable, err)
		return nil, fmt.Errorf("cancel tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *TaskRepository) SetInputURI(ctx context.Context, id uuid.UUID, inputURI string) error {
	ctx, span := r.StartSpan(ctx, "TaskRepository.SetInputURI")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tasksTable).
		Set(ub.Assign("input_uri", inputURI), ub.Assign("updated_at", sqlbuilder.Raw("NOW()"))).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "set_input_uri", tasksTable, err)
		return fmt.Errorf("set task %s input_uri: %w", id, err)
	}
	return nil
}

// ListActiveStages returns the distinct stages among ready/running tasks
// (spec §4.7 step 1: the set of stage streams worth enumerating this sweep).
func (r *TaskRepository) ListActiveStages(ctx context.Context) ([]string, error) {
	ctx, span := r.StartSpan(ctx, "TaskRepository.ListActiveStages")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT stage").From(tasksTable).
		Where(sb.In("status", models.TaskStatusReady, models.TaskStatusRunning))

	query, args := sb.Build()
	var stages []string
	if err := r.DB().SelectContext(ctx, &stages, query, args...); err != nil {
		r.LogError(ctx, "list_active_stages", tasksTable, err)
		return nil, fmt.Errorf("list active stages: %w", err)
	}
	return stages, nil
}

// ListStaleRunning returns tasks running longer than olderThan, candidates
// for the orphaned-DB-task sweep (spec §4.7 step 2).
func (r *TaskRepository) ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]models.Task, error) {
	ctx, span := r.StartSpan(ctx, "TaskRepository.ListStaleRunning")
	defer span.End()

	cutoff := time.Now().UTC().Add(-olderThan)
	sb := database.NewSelectBuilder()
	sb.Select("id", "job_id", "stage", "engine_id", "status", "dependencies", "config",
		"input_uri", "output_uri", "retries", "max_retries", "required", "error",
		"started_at", "completed_at", "created_at", "updated_at").
		From(tasksTable).
		Where(sb.Equal("status", models.TaskStatusRunning), sb.LessThan("started_at", cutoff))

	query, args := sb.Build()
	var tasks []models.Task
	if err := r.DB().SelectContext(ctx, &tasks, query, args...); err != nil {
		r.LogError(ctx, "list_stale_running", tasksTable, err)
		return nil, fmt.Errorf("list stale running tasks: %w", err)
	}
	return tasks, nil
}

// DeleteByJob removes every task row belonging to a job, used ahead of
// retry_job's DAG rebuild and by delete_job's purge (spec §6).
func (r *TaskRepository) DeleteByJob(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := r.StartSpan(ctx, "TaskRepository.DeleteByJob")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(tasksTable).Where(db.Equal("job_id", jobID))

	query, args := db.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "delete_by_job", tasksTable, err)
		return fmt.Errorf("delete tasks for job %s: %w", jobID, err)
	}
	return nil
}

func (r *TaskRepository) IncrementRetries(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.StartSpan(ctx, "TaskRepository.IncrementRetries")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tasksTable).
		Set(ub.Assign("retries", sqlbuilder.Raw("retries + 1")), ub.Assign("updated_at", sqlbuilder.Raw("NOW()"))).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.LogError(ctx, "increment_retries", tasksTable, err)
		return fmt.Errorf("increment task %s retries: %w", id, err)
	}
	return nil
}
