package adminapi

import (
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/handlers"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/scheduler"
	"github.com/ssarunic/dalston-sub001/internal/platform/database"
	"github.com/ssarunic/dalston-sub001/internal/platform/tracing"
)

// SubmitJobRequest is the HTTP binding of §6's submit_job(tenant_id,
// audio_uri, parameters, audio_metadata, retention).
type SubmitJobRequest struct {
	TenantID      string                  `json:"tenant_id"`
	AudioURI      string                  `json:"audio_uri"`
	Parameters    models.JobParameters    `json:"parameters"`
	AudioMetadata models.AudioMetadata    `json:"audio_metadata"`
	Retention     *models.RetentionPolicy `json:"retention,omitempty"`
	RequestID     string                  `json:"request_id,omitempty"`
}

// SubmitJob handles submit_job: synchronously persists the job, increments
// the tenant's in-flight counter, and publishes job.created (spec §6). DAG
// materialization happens asynchronously when the durable event is consumed.
func (h *Handlers) SubmitJob(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "adminapi.SubmitJob")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	var req SubmitJobRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.AudioURI == "" {
		return badRequest("audio_uri is required")
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		return badRequest("invalid tenant_id")
	}

	count, err := h.guard.Count(ctx, tenantID.String())
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("check tenant in-flight job count")
	} else if h.cfg.TenantMaxConcurrentJobs > 0 && count >= int64(h.cfg.TenantMaxConcurrentJobs) {
		return httperror.NewHTTPErrorf(http.StatusTooManyRequests,
			"tenant %s has reached its concurrent job limit (%d)", tenantID, h.cfg.TenantMaxConcurrentJobs)
	}

	req.Parameters.Retention = req.Retention
	job := &models.Job{
		TenantID:      tenantID,
		Status:        models.JobStatusPending,
		AudioURI:      req.AudioURI,
		Parameters:    database.NewJSONB(req.Parameters),
		AudioMetadata: database.NewJSONB(req.AudioMetadata),
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if err := h.guard.Increment(ctx, tenantID.String()); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": job.ID}).
			Warn("increment tenant in-flight counter")
	}

	if err := h.bus.Publish(ctx, eventbus.JobCreated, scheduler.JobCreatedPayload{JobID: job.ID, RequestID: req.RequestID}); err != nil {
		return fmt.Errorf("publish job.created for job %s: %w", job.ID, err)
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{"job_id": job.ID, "tenant_id": tenantID}).Info("job submitted")
	return createdResponse(c, job)
}

// GetJob returns a job and its tasks, for gateway/status polling purposes.
func (h *Handlers) GetJob(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "adminapi.GetJob")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	jobID, err := parseUUID(c, "job_id")
	if err != nil {
		return err
	}
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return notFound("job not found")
	}
	tasks, err := h.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	return successResponse(c, map[string]any{"job": job, "tasks": tasks})
}

// CancelJob handles cancel_job(job_id, tenant_id): validates ownership and
// state, then publishes job.cancel_requested; the actual task/job mutation
// happens in JobCancelRequested once the durable consumer dispatches it
// (spec §4.6, §6).
func (h *Handlers) CancelJob(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "adminapi.CancelJob")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	jobID, err := parseUUID(c, "job_id")
	if err != nil {
		return err
	}
	tenantID, err := h.tenantID(c)
	if err != nil {
		return err
	}
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil || job.TenantID != tenantID {
		return notFound("job not found")
	}
	if job.Status.Terminal() {
		return conflict("job is already in a terminal state")
	}

	payload := handlers.JobCancelRequestedPayload{JobID: jobID}
	if err := h.bus.Publish(ctx, eventbus.JobCancelRequested, payload); err != nil {
		return fmt.Errorf("publish job.cancel_requested for job %s: %w", jobID, err)
	}
	return noContentResponse(c)
}

// RetryJob handles retry_job(job_id) (spec §6): only permitted when the job
// is failed, its retry count is below the configured max, and the source
// audio is still reachable. Resets task state by discarding the old DAG and
// re-emits job.created so the scheduler rebuilds it from scratch.
func (h *Handlers) RetryJob(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "adminapi.RetryJob")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	jobID, err := parseUUID(c, "job_id")
	if err != nil {
		return err
	}
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return notFound("job not found")
	}
	if job.Status != models.JobStatusFailed {
		return conflict("job is not in a failed state")
	}
	if job.RetryCount >= h.cfg.JobMaxRetries {
		return conflict("job has exhausted its retry budget")
	}
	reachable, err := h.store.Exists(ctx, job.AudioURI)
	if err != nil {
		return fmt.Errorf("check source audio for job %s: %w", jobID, err)
	}
	if !reachable {
		return conflict("source audio is no longer reachable")
	}

	if err := h.tasks.DeleteByJob(ctx, jobID); err != nil {
		return fmt.Errorf("clear tasks for job %s retry: %w", jobID, err)
	}
	if err := h.jobs.ResetForRetry(ctx, jobID); err != nil {
		return fmt.Errorf("reset job %s for retry: %w", jobID, err)
	}
	if err := h.jobs.IncrementRetryCount(ctx, jobID); err != nil {
		return fmt.Errorf("increment retry count for job %s: %w", jobID, err)
	}

	if err := h.bus.Publish(ctx, eventbus.JobCreated, scheduler.JobCreatedPayload{JobID: jobID}); err != nil {
		return fmt.Errorf("publish job.created for retried job %s: %w", jobID, err)
	}
	return noContentResponse(c)
}

// DeleteJob handles delete_job(job_id) (spec §6): only permitted in a
// terminal state; purges every task's input/output artifacts and the DB
// rows.
func (h *Handlers) DeleteJob(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "adminapi.DeleteJob")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	jobID, err := parseUUID(c, "job_id")
	if err != nil {
		return err
	}
	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return notFound("job not found")
	}
	if !job.Status.Terminal() {
		return conflict("job must be in a terminal state before deletion")
	}

	tasks, err := h.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	for _, t := range tasks {
		if t.InputURI != nil {
			if err := h.store.Delete(ctx, *t.InputURI); err != nil {
				h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": t.ID}).
					Warn("purge task input artifact")
			}
		}
		if t.OutputURI != nil {
			if err := h.store.Delete(ctx, *t.OutputURI); err != nil {
				h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": t.ID}).
					Warn("purge task output artifact")
			}
		}
	}
	if err := h.tasks.DeleteByJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete tasks for job %s: %w", jobID, err)
	}
	if err := h.jobs.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return noContentResponse(c)
}
