// Package scheduler implements the Scheduler (spec §4.5): turns a built DAG
// into durable, enqueueable work, resolves each task's previous_outputs and
// input artifact, and verifies capability/liveness before a task is handed
// to the queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/catalog"
	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/concurrency"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/dag"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/orcherr"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/queue"
	"github.com/ssarunic/dalston-sub001/internal/registry"
	"github.com/ssarunic/dalston-sub001/internal/repositories"
	"github.com/ssarunic/dalston-sub001/pkg/metrics"
)

// Registry is the subset of the Engine Registry the scheduler consults to
// verify a capable live engine before enqueueing (spec §4.5).
type Registry interface {
	ListLiveInstances(ctx context.Context, engineID string) ([]registry.Record, error)
}

type Scheduler struct {
	jobs     repositories.JobRepo
	tasks    repositories.TaskRepo
	builder  *dag.Builder
	catalog  *catalog.Catalog
	queue    *queue.Queue
	bus      *eventbus.Bus
	store    storage.ArtifactStore
	registry Registry
	guard    *concurrency.Guard
	logger   ectologger.Logger
}

func New(
	jobs repositories.JobRepo,
	tasks repositories.TaskRepo,
	builder *dag.Builder,
	cat *catalog.Catalog,
	q *queue.Queue,
	bus *eventbus.Bus,
	store storage.ArtifactStore,
	reg Registry,
	guard *concurrency.Guard,
	logger ectologger.Logger,
) *Scheduler {
	return &Scheduler{
		jobs: jobs, tasks: tasks, builder: builder, catalog: cat,
		queue: q, bus: bus, store: store, registry: reg, guard: guard, logger: logger,
	}
}

// JobCreatedPayload is the job.created event payload (spec §4.3 envelope).
type JobCreatedPayload struct {
	JobID     uuid.UUID `json:"job_id"`
	RequestID string    `json:"request_id,omitempty"`
}

// HandleJobCreated materializes a job's DAG and enqueues its root tasks
// (spec §4.5 "On job.created").
func (s *Scheduler) HandleJobCreated(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		s.logger.WithContext(ctx).WithFields(map[string]any{"job_id": jobID}).Warn("job.created for unknown job, ignoring")
		return nil
	}

	// Step 1: idempotent replay guard — terminal/cancelling job, or tasks
	// already materialized, means this event has already been applied.
	if job.Status.Terminal() || job.Status == models.JobStatusCancelling {
		metrics.RecordJobCreated(false)
		return nil
	}
	exists, err := s.tasks.ExistsForJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check existing tasks for job %s: %w", jobID, err)
	}
	if exists {
		metrics.RecordJobCreated(false)
		return nil
	}

	// Step 2: build and persist the DAG atomically.
	tasks := s.builder.Build(job)
	if err := s.tasks.CreateBatch(ctx, tasks); err != nil {
		return fmt.Errorf("persist tasks for job %s: %w", jobID, err)
	}

	// Step 3: job is now running.
	if err := s.jobs.SetRunning(ctx, jobID); err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}

	// Step 4: enqueue every dependency-free root task.
	for i := range tasks {
		t := tasks[i]
		if len(t.Dependencies.Get()) != 0 {
			continue
		}
		ok, err := s.tasks.CompareAndSetStatus(ctx, t.ID, models.TaskStatusPending, models.TaskStatusReady)
		if err != nil {
			return fmt.Errorf("ready task %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		if err := s.Enqueue(ctx, job, t, 0, nil); err != nil {
			return fmt.Errorf("enqueue root task %s: %w", t.ID, err)
		}
	}
	metrics.RecordJobCreated(true)
	return nil
}

// inputArtifact is the small pointer document the scheduler writes to
// object storage before enqueueing (spec §4.5 "Enqueue").
type inputArtifact struct {
	TaskID          uuid.UUID         `json:"task_id"`
	JobID           uuid.UUID         `json:"job_id"`
	Stage           string            `json:"stage"`
	AudioURI        string            `json:"audio_uri"`
	AudioMetadata   models.AudioMetadata `json:"audio_metadata"`
	ChannelURI      string            `json:"channel_uri,omitempty"`
	PreviousOutputs map[string]string `json:"previous_outputs"`
}

// Enqueue resolves previous_outputs, writes the task's input artifact, and
// appends a queue message — but only after verifying a capable live engine
// exists (spec §4.5 "Enqueue" and "The task is verified against a live
// engine"). attempt is the retry ordinal used for the idempotency key
// (spec §4.5 "Retry enqueue idempotency").
func (s *Scheduler) Enqueue(ctx context.Context, job *models.Job, task models.Task, attempt int, deps []models.Task) error {
	capability := models.BaseStage(task.Stage)
	live, err := s.registry.ListLiveInstances(ctx, task.EngineID)
	if err != nil {
		return fmt.Errorf("list live instances for %s: %w", task.EngineID, err)
	}
	instances := make([]catalog.InstanceCapabilities, 0, len(live))
	for _, rec := range live {
		instances = append(instances, catalog.InstanceCapabilities{Capabilities: rec.Capabilities})
	}
	capable, err := s.catalog.HasCapableLiveInstance(instances, capability)
	if err != nil {
		return fmt.Errorf("evaluate capability for task %s: %w", task.ID, err)
	}
	if !capable {
		metrics.RecordEngineUnavailable(task.EngineID, task.Stage)
		return s.failJobEngineUnavailable(ctx, job.ID, task.EngineID, task.Stage, []string{capability})
	}

	inputURI, err := s.writeInputArtifact(ctx, job, task, deps)
	if err != nil {
		return fmt.Errorf("write input artifact for task %s: %w", task.ID, err)
	}
	if err := s.tasks.SetInputURI(ctx, task.ID, inputURI); err != nil {
		return err
	}

	// Stage streams are created lazily: per-channel stages (transcribe_ch0,
	// transcribe_ch1, ...) aren't known until the DAG is built, so there is
	// no fixed set to pre-declare at startup.
	if err := s.queue.EnsureGroup(ctx, task.Stage); err != nil {
		return fmt.Errorf("ensure queue group for stage %s: %w", task.Stage, err)
	}

	msg := queue.Message{
		TaskID:     task.ID,
		JobID:      job.ID,
		Stage:      task.Stage,
		EngineID:   task.EngineID,
		InputURI:   inputURI,
		Attempt:    attempt,
		EnqueuedAt: time.Now(),
	}
	if _, err := s.queue.Add(ctx, msg); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	metrics.RecordTaskEnqueued(task.Stage)
	return nil
}

// writeInputArtifact builds previous_outputs from completed dependencies
// (aliasing per-channel stage keys under their base stage, spec §4.5
// "Input resolution") and writes the pointer document to object storage.
func (s *Scheduler) writeInputArtifact(ctx context.Context, job *models.Job, task models.Task, deps []models.Task) (string, error) {
	artifact := inputArtifact{
		TaskID:        task.ID,
		JobID:         job.ID,
		Stage:         task.Stage,
		AudioURI:      job.AudioURI,
		AudioMetadata: job.AudioMetadata.Get(),
		PreviousOutputs: map[string]string{},
	}

	var prepareOutput *models.Task
	for i := range deps {
		d := deps[i]
		if d.OutputURI == nil || !d.Status.TerminalSuccess() {
			continue
		}
		artifact.PreviousOutputs[d.Stage] = *d.OutputURI
		if base := models.BaseStage(d.Stage); base != d.Stage {
			if _, ok := artifact.PreviousOutputs[base]; !ok {
				artifact.PreviousOutputs[base] = *d.OutputURI
			}
		}
		if d.Stage == "prepare" {
			prepareOutput = &deps[i]
		}
	}

	if task.Config.Get().ChannelIndex != nil && prepareOutput != nil && prepareOutput.OutputURI != nil {
		channelURI, err := s.resolveChannelFile(ctx, *prepareOutput.OutputURI, *task.Config.Get().ChannelIndex)
		if err == nil {
			artifact.ChannelURI = channelURI
		}
	}

	uri := fmt.Sprintf("dalston/inputs/%s.json", task.ID)
	if err := s.store.PutJSON(ctx, uri, artifact); err != nil {
		return "", err
	}
	return uri, nil
}

// resolveChannelFile reads prepare's output document and picks the file
// URI for the requested channel index (spec §4.4 per-channel "prepare
// configured to split channels").
func (s *Scheduler) resolveChannelFile(ctx context.Context, prepareOutputURI string, channel int) (string, error) {
	var out struct {
		ChannelFiles []string `json:"channel_files"`
	}
	if err := s.store.GetJSON(ctx, prepareOutputURI, &out); err != nil {
		return "", err
	}
	if channel < 0 || channel >= len(out.ChannelFiles) {
		return "", fmt.Errorf("channel %d out of range (have %d)", channel, len(out.ChannelFiles))
	}
	return out.ChannelFiles[channel], nil
}

// failJobEngineUnavailable fails the job immediately with a structured
// error (spec §7 "Engine-unavailable at enqueue time").
func (s *Scheduler) failJobEngineUnavailable(ctx context.Context, jobID uuid.UUID, engineID, stage string, requirements []string) error {
	structured := orcherr.EngineUnavailable(engineID, stage, requirements)
	msg := structured.String()
	if err := s.jobs.SetCompleted(ctx, jobID, models.JobStatusFailed, &msg, nil, nil); err != nil {
		return fmt.Errorf("fail job %s (engine unavailable): %w", jobID, err)
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job %s after engine-unavailable failure: %w", jobID, err)
	}
	if job != nil {
		if _, err := s.guard.DecrementOnce(ctx, job.TenantID.String(), jobID); err != nil {
			return fmt.Errorf("decrement-once for job %s: %w", jobID, err)
		}
	}
	payload, _ := json.Marshal(map[string]any{"job_id": jobID, "error": structured})
	return s.bus.Publish(ctx, eventbus.JobFailed, json.RawMessage(payload))
}
