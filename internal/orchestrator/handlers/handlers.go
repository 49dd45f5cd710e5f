// Package handlers implements the Event Handlers state machine (spec §4.6):
// task.started, task.completed, task.failed, and job.cancel_requested, plus
// the job-completion check and the decrement-once-guarded terminal
// transitions they all funnel into. Every handler is written so its effect,
// applied twice, equals its effect applied once (spec §9 "at-least-once
// events -> handler discipline").
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/concurrency"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/orcherr"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/scheduler"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/stats"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
	"github.com/ssarunic/dalston-sub001/internal/repositories"
	"github.com/ssarunic/dalston-sub001/pkg/metrics"
)

const cancelMarkerTTL = 24 * time.Hour

type Handlers struct {
	jobs      repositories.JobRepo
	tasks     repositories.TaskRepo
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	guard     *concurrency.Guard
	store     storage.ArtifactStore
	redis     *redisx.Client
	logger    ectologger.Logger
}

func New(
	jobs repositories.JobRepo,
	tasks repositories.TaskRepo,
	bus *eventbus.Bus,
	sched *scheduler.Scheduler,
	guard *concurrency.Guard,
	store storage.ArtifactStore,
	redis *redisx.Client,
	logger ectologger.Logger,
) *Handlers {
	return &Handlers{jobs: jobs, tasks: tasks, bus: bus, scheduler: sched, guard: guard, store: store, redis: redis, logger: logger}
}

func cancelMarkerKey(jobID uuid.UUID) string {
	return fmt.Sprintf("dalston:job:%s:cancelled", jobID)
}

// TaskStarted handles task.started (spec §4.6 "task.started"): a conditional
// ready->running transition. Zero rows affected means either an idempotent
// replay (already running) or a rejected claim (any other state, e.g. a
// task cancelled out from under the engine).
func (h *Handlers) TaskStarted(ctx context.Context, taskID uuid.UUID) error {
	ok, err := h.tasks.SetRunning(ctx, taskID)
	if err != nil {
		return fmt.Errorf("claim task %s as running: %w", taskID, err)
	}
	if ok {
		return nil
	}
	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s after failed claim: %w", taskID, err)
	}
	if task == nil || task.Status == models.TaskStatusRunning {
		return nil
	}
	h.logger.WithContext(ctx).WithFields(map[string]any{"task_id": taskID, "status": task.Status}).
		Warn("task.started rejected: task not claimable")
	return nil
}

// TaskCompleted handles task.completed (spec §4.6 "task.completed"). It is
// safe to replay: the dependent-promotion and job-completion steps run
// again even if the task's own status is already completed, covering a
// crash between the DB write and those side effects.
func (h *Handlers) TaskCompleted(ctx context.Context, taskID uuid.UUID, outputURI string) error {
	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		return nil
	}
	if task.Status == models.TaskStatusCancelled || task.Status == models.TaskStatusFailed {
		return nil
	}
	if task.Status != models.TaskStatusCompleted {
		if err := h.tasks.SetCompleted(ctx, taskID, outputURI); err != nil {
			return fmt.Errorf("complete task %s: %w", taskID, err)
		}
	}
	return h.advance(ctx, task.JobID)
}

// TaskFailed handles task.failed (spec §4.6 "task.failed"); behavior
// branches on the task's current status since failure events may be
// replayed at any point after the retry or terminal transition has
// already committed.
func (h *Handlers) TaskFailed(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		return nil
	}

	switch task.Status {
	case models.TaskStatusPending, models.TaskStatusCompleted, models.TaskStatusCancelled:
		return nil

	case models.TaskStatusRunning:
		if task.Retries < task.MaxRetries {
			if err := h.tasks.IncrementRetries(ctx, taskID); err != nil {
				return fmt.Errorf("increment retries for task %s: %w", taskID, err)
			}
			ok, err := h.tasks.CompareAndSetStatus(ctx, taskID, models.TaskStatusRunning, models.TaskStatusReady)
			if err != nil {
				return fmt.Errorf("ready task %s for retry: %w", taskID, err)
			}
			if !ok {
				return nil
			}
			metrics.RecordTaskRetried(task.Stage)
			return h.retryEnqueue(ctx, taskID, task.Retries+1)
		}
		if task.Required {
			if err := h.tasks.SetFailed(ctx, taskID, errMsg); err != nil {
				return fmt.Errorf("fail task %s: %w", taskID, err)
			}
			return h.failJob(ctx, task.JobID)
		}
		if err := h.tasks.SetSkipped(ctx, taskID, errMsg); err != nil {
			return fmt.Errorf("skip task %s: %w", taskID, err)
		}
		return h.advance(ctx, task.JobID)

	case models.TaskStatusReady:
		// Replayed failure after the retry transition already committed:
		// re-enqueue without incrementing retries again.
		return h.retryEnqueue(ctx, taskID, task.Retries)

	case models.TaskStatusSkipped:
		return h.advance(ctx, task.JobID)

	case models.TaskStatusFailed:
		return h.failJob(ctx, task.JobID)

	default:
		return nil
	}
}

func (h *Handlers) retryEnqueue(ctx context.Context, taskID uuid.UUID, attempt int) error {
	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil || task == nil {
		return err
	}
	job, err := h.jobs.GetByID(ctx, task.JobID)
	if err != nil || job == nil {
		return err
	}
	deps, err := h.loadDependencies(ctx, *task)
	if err != nil {
		return err
	}
	return h.scheduler.Enqueue(ctx, job, *task, attempt, deps)
}

// JobCancelRequested handles job.cancel_requested (spec §4.6): it writes an
// advisory cancellation marker, forces non-running tasks to cancelled, and
// lets the job-completion check decide between cancelling and cancelled.
func (h *Handlers) JobCancelRequested(ctx context.Context, jobID uuid.UUID) error {
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}

	if err := h.redis.Set(ctx, cancelMarkerKey(jobID), job.TenantID.String(), cancelMarkerTTL); err != nil {
		return fmt.Errorf("write cancellation marker for job %s: %w", jobID, err)
	}
	if _, err := h.tasks.SetCancelledIfPendingOrReady(ctx, jobID); err != nil {
		return fmt.Errorf("cancel pending/ready tasks for job %s: %w", jobID, err)
	}
	if _, err := h.jobs.CompareAndSetStatus(ctx, jobID, job.Status, models.JobStatusCancelling); err != nil {
		return fmt.Errorf("mark job %s cancelling: %w", jobID, err)
	}
	return h.checkJobCompletion(ctx, jobID)
}

// advance runs the post-task-completion side effects (spec §4.6
// "task.completed" steps 1-3): if the job is cancelling, force remaining
// pending tasks cancelled and stop (no dependent promotion); otherwise
// promote every dependency-satisfied pending task to ready and enqueue it.
func (h *Handlers) advance(ctx context.Context, jobID uuid.UUID) error {
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if job.Status == models.JobStatusCancelling {
		if _, err := h.tasks.SetCancelledIfPendingOrReady(ctx, jobID); err != nil {
			return fmt.Errorf("cancel remaining tasks for job %s: %w", jobID, err)
		}
		return h.checkJobCompletion(ctx, jobID)
	}

	all, err := h.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	byID := make(map[uuid.UUID]models.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	for _, t := range all {
		if t.Status != models.TaskStatusPending {
			continue
		}
		if !dependenciesSatisfied(t, byID) {
			continue
		}
		ok, err := h.tasks.CompareAndSetStatus(ctx, t.ID, models.TaskStatusPending, models.TaskStatusReady)
		if err != nil {
			return fmt.Errorf("ready task %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		deps := depTasks(t, byID)
		if err := h.scheduler.Enqueue(ctx, job, t, 0, deps); err != nil {
			return fmt.Errorf("enqueue task %s: %w", t.ID, err)
		}
	}
	return h.checkJobCompletion(ctx, jobID)
}

func dependenciesSatisfied(t models.Task, byID map[uuid.UUID]models.Task) bool {
	for _, depID := range t.Dependencies.Get() {
		dep, ok := byID[depID]
		if !ok || !dep.Status.TerminalSuccess() {
			return false
		}
	}
	return true
}

func depTasks(t models.Task, byID map[uuid.UUID]models.Task) []models.Task {
	deps := t.Dependencies.Get()
	out := make([]models.Task, 0, len(deps))
	for _, depID := range deps {
		if dep, ok := byID[depID]; ok {
			out = append(out, dep)
		}
	}
	return out
}

func (h *Handlers) loadDependencies(ctx context.Context, t models.Task) ([]models.Task, error) {
	all, err := h.tasks.ListByJob(ctx, t.JobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %s: %w", t.JobID, err)
	}
	byID := make(map[uuid.UUID]models.Task, len(all))
	for _, d := range all {
		byID[d.ID] = d
	}
	return depTasks(t, byID), nil
}

// failJob runs the job-fail side effects directly, used both when a
// required task has just been marked failed and when a task.failed event
// replays against an already-failed task (spec §4.6 "failed (replayed):
// re-run job-fail side effects").
func (h *Handlers) failJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	errMsg := h.firstRequiredFailureError(ctx, jobID)
	if err := h.jobs.SetCompleted(ctx, jobID, models.JobStatusFailed, errMsg, nil, nil); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if errMsg != nil {
		job.Error = errMsg
	}
	return h.publishTerminal(ctx, job, models.JobStatusFailed, eventbus.JobFailed, nil)
}

// firstRequiredFailureError finds the error message of the first required,
// failed task so the job's own error field carries a useful cause.
func (h *Handlers) firstRequiredFailureError(ctx context.Context, jobID uuid.UUID) *string {
	tasks, err := h.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return nil
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed && t.Required && t.Error != nil {
			return t.Error
		}
	}
	return nil
}

// checkJobCompletion is the spec §4.6 "Job completion check": once every
// task for the job is terminal, it decides the outcome and performs the
// single matching terminal transition, decrement, and publish.
func (h *Handlers) checkJobCompletion(ctx context.Context, jobID uuid.UUID) error {
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	tasks, err := h.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}

	anyRequiredFailed := false
	var mergeOutputURI *string
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return nil
		}
		if t.Status == models.TaskStatusFailed && t.Required {
			anyRequiredFailed = true
		}
		if t.Stage == "merge" && t.Status == models.TaskStatusCompleted {
			mergeOutputURI = t.OutputURI
		}
	}

	switch {
	case anyRequiredFailed:
		errMsg := h.firstRequiredFailureError(ctx, jobID)
		if err := h.jobs.SetCompleted(ctx, jobID, models.JobStatusFailed, errMsg, nil, nil); err != nil {
			return fmt.Errorf("fail job %s: %w", jobID, err)
		}
		if errMsg != nil {
			job.Error = errMsg
		}
		return h.publishTerminal(ctx, job, models.JobStatusFailed, eventbus.JobFailed, nil)

	case job.Status == models.JobStatusCancelling:
		msg := orcherr.Cancelled
		if err := h.jobs.SetCompleted(ctx, jobID, models.JobStatusCancelled, &msg, nil, nil); err != nil {
			return fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		return h.publishTerminal(ctx, job, models.JobStatusCancelled, eventbus.JobCancelled, nil)

	default:
		summary, err := h.computeResultSummary(ctx, mergeOutputURI)
		if err != nil {
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).
				Warn("failed to compute result summary, completing job without it")
		}
		purgeAfter := computePurgeAfter(job)
		if err := h.jobs.SetCompleted(ctx, jobID, models.JobStatusCompleted, nil, summary, purgeAfter); err != nil {
			return fmt.Errorf("complete job %s: %w", jobID, err)
		}
		return h.publishTerminal(ctx, job, models.JobStatusCompleted, eventbus.JobCompleted, summary)
	}
}

func (h *Handlers) computeResultSummary(ctx context.Context, mergeOutputURI *string) (*models.ResultSummary, error) {
	if mergeOutputURI == nil {
		return nil, nil
	}
	var raw json.RawMessage
	if err := h.store.GetJSON(ctx, *mergeOutputURI, &raw); err != nil {
		return nil, err
	}
	summary, err := stats.ComputeResultSummary(raw)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// computePurgeAfter derives purge_after from the job's retention policy
// (spec §4.6 "Retention"); downstream retention workers act on it.
func computePurgeAfter(job *models.Job) *time.Time {
	params := job.Parameters.Get()
	if params.Retention == nil {
		return nil
	}
	switch params.Retention.Mode {
	case models.RetentionModeAutoDelete:
		t := time.Now().Add(time.Duration(params.Retention.Hours) * time.Hour)
		return &t
	default:
		return nil
	}
}

// publishTerminal performs the decrement-once guard and publishes the
// terminal event; it always publishes, even when this call loses the
// guard race, since the event itself must still be (idempotently)
// delivered downstream (spec §4.6, §9 "must themselves be idempotent at
// the delivery layer").
func (h *Handlers) publishTerminal(ctx context.Context, job *models.Job, status models.JobStatus, eventType eventbus.Type, summary *models.ResultSummary) error {
	if _, err := h.guard.DecrementOnce(ctx, job.TenantID.String(), job.ID); err != nil {
		return fmt.Errorf("decrement-once for job %s: %w", job.ID, err)
	}
	metrics.RecordJobCompleted(string(status))
	payload := map[string]any{"job_id": job.ID}
	if summary != nil {
		payload["result_summary"] = summary
	}
	if status == models.JobStatusFailed && job.Error != nil {
		payload["error"] = *job.Error
	}
	return h.bus.Publish(ctx, eventType, payload)
}
