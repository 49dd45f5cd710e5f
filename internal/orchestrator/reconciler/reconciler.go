// Package reconciler implements the Reconciler (spec §4.7): a periodic,
// leader-elected sweep that repairs drift between the broker's ephemeral
// pending-entry lists and the database the broker itself never sees. It is
// the ultimate authority for any state the task queue and event bus cannot
// by themselves repair.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/handlers"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/orcherr"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
	"github.com/ssarunic/dalston-sub001/internal/queue"
	"github.com/ssarunic/dalston-sub001/internal/registry"
	"github.com/ssarunic/dalston-sub001/internal/repositories"
	"github.com/ssarunic/dalston-sub001/pkg/metrics"
)

const lockKey = "reconciler"

// reconcilerConsumer is the consumer identity the reconciler claims stale PEL
// entries under when reclaiming work from a dead engine instance (spec §4.2
// claim, §4.7 step 2).
const reconcilerConsumer = "dalston-reconciler"

// Config bounds the sweep's behavior (spec §4.7; mirrors config.Config's
// Reconciler* fields so this package stays independent of the config package).
type Config struct {
	Interval      time.Duration
	LockTTL       time.Duration
	StaleThreshold time.Duration // orphan / stale-PEL idle threshold (default 10m)
	OrphanRetries int           // consecutive transient-lookup failures before escalating an orphan to failed
}

// Reconciler runs the periodic sweep described in spec §4.7.
type Reconciler struct {
	cfg      Config
	locker   *redisx.Locker
	tasks    repositories.TaskRepo
	queue    *queue.Queue
	bus      *eventbus.Bus
	store    storage.ArtifactStore
	registry *registry.Registry
	handlers *handlers.Handlers
	logger   ectologger.Logger

	// orphanFailures counts consecutive transient artifact-lookup failures
	// per task, local to this process instance. A failover to a different
	// leader resets the count; see spec §9's open question on escalation.
	orphanFailures map[uuid.UUID]int
}

func New(
	cfg Config,
	locker *redisx.Locker,
	tasks repositories.TaskRepo,
	q *queue.Queue,
	bus *eventbus.Bus,
	store storage.ArtifactStore,
	reg *registry.Registry,
	h *handlers.Handlers,
	logger ectologger.Logger,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 4 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	return &Reconciler{
		cfg: cfg, locker: locker, tasks: tasks, queue: q, bus: bus,
		store: store, registry: reg, handlers: h, logger: logger,
		orphanFailures: make(map[uuid.UUID]int),
	}
}

// Run blocks, sweeping every cfg.Interval until ctx is cancelled. Leadership
// is re-acquired each tick; losing the lock between sweeps simply means this
// instance skips that tick and tries again next time (spec §4.7 "loss of the
// lock is observed between sweeps and causes the instance to stand down").
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweepAsLeader(ctx); err != nil {
				r.logger.WithContext(ctx).WithError(err).Warn("reconcile sweep failed")
			}
		}
	}
}

func (r *Reconciler) sweepAsLeader(ctx context.Context) error {
	lock, err := r.locker.Acquire(ctx, lockKey, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, redisx.ErrLockNotAcquired) {
			return nil
		}
		return fmt.Errorf("acquire reconciler lock: %w", err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("release reconciler lock")
		}
	}()
	return r.Sweep(ctx)
}

// pelEntry pairs a pending-entry-list row with the task it names, resolved
// once up front so later steps can find each entry's task without
// re-deriving it from the stream. The task is the step-1 snapshot; step 3
// re-reads its status, since step 2 may have just resolved it.
type pelEntry struct {
	stage string
	entry redisx.PendingEntry
	task  *models.Task
}

// Sweep runs the five steps of spec §4.7 once. Exported so tests and a
// one-shot CLI invocation can drive it without the ticker loop.
func (r *Reconciler) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ReconcileSweepDuration.Observe(time.Since(start).Seconds()) }()

	stages, err := r.tasks.ListActiveStages(ctx)
	if err != nil {
		return fmt.Errorf("list active stages: %w", err)
	}

	// Step 1: enumerate PEL by stage, resolving each entry's task.
	var entries []pelEntry
	for _, stage := range stages {
		pending, err := r.queue.Pending(ctx, stage)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"stage": stage}).
				Warn("list pending entries for stage")
			continue
		}
		for _, p := range pending {
			msg, err := r.queue.Peek(ctx, stage, p.MessageID)
			if err != nil || msg == nil {
				continue
			}
			task, err := r.tasks.GetByID(ctx, msg.TaskID)
			if err != nil || task == nil {
				continue
			}
			entries = append(entries, pelEntry{stage: stage, entry: p, task: task})
		}
	}

	if err := r.reapOrphanedTasks(ctx, entries); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("reap orphaned tasks")
	}
	if err := r.ackOrphanedPELEntries(ctx, entries); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("ack orphaned PEL entries")
	}
	if err := r.recoverStaleReady(ctx, entries); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("recover stale ready tasks")
	}
	if err := r.pruneStaleInstances(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("prune stale registry instances")
	}
	return nil
}

// reapOrphanedTasks is step 2: a task stuck running longer than the stale
// threshold is either (a) missing a PEL entry entirely — lost its queue
// message (crash before claim, or the claiming engine never published
// task.started into the PEL's reach) — or (b) still has one, but its owning
// engine instance died without ever completing it (spec §8 scenario 5). Case
// (b) is only reapable once the entry itself has gone idle past the stale
// threshold and its owning instance is confirmed dead (spec §4.2 claim's
// reclaim policy); a task whose worker is merely slow, or still alive, is
// left alone. Either way, object storage tells us how the task resolved.
func (r *Reconciler) reapOrphanedTasks(ctx context.Context, entries []pelEntry) error {
	pelByTask := make(map[uuid.UUID]pelEntry, len(entries))
	for _, e := range entries {
		pelByTask[e.task.ID] = e
	}

	stale, err := r.tasks.ListStaleRunning(ctx, r.cfg.StaleThreshold)
	if err != nil {
		return fmt.Errorf("list stale running tasks: %w", err)
	}
	for _, t := range stale {
		if e, ok := pelByTask[t.ID]; ok {
			if !r.reclaimFromDeadOwner(ctx, e) {
				continue
			}
		}
		uri := expectedOutputURI(t.ID)
		exists, err := r.store.Exists(ctx, uri)
		if err != nil {
			r.orphanFailures[t.ID]++
			metrics.RecordReconcileOrphan("transient_skip")
			if r.cfg.OrphanRetries > 0 && r.orphanFailures[t.ID] >= r.cfg.OrphanRetries {
				if failErr := r.failOrphan(ctx, t, orcherr.Error{
					Kind: orcherr.KindReconcileExhausted, Stage: t.Stage,
					Message: "artifact lookup failed too many consecutive sweeps",
				}.String()); failErr != nil {
					r.logger.WithContext(ctx).WithError(failErr).WithFields(map[string]any{"task_id": t.ID}).
						Warn("fail exhausted orphan check")
				}
				delete(r.orphanFailures, t.ID)
			}
			continue
		}
		delete(r.orphanFailures, t.ID)

		if exists {
			if err := r.handlers.TaskCompleted(ctx, t.ID, uri); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": t.ID}).
					Warn("complete orphaned task")
				continue
			}
			metrics.RecordReconcileOrphan("completed")
			r.publishSynthetic(ctx, eventbus.TaskCompleted, handlers.TaskCompletedPayload{TaskID: t.ID, JobID: t.JobID, OutputURI: uri})
			continue
		}

		if err := r.failOrphan(ctx, t, orcherr.Orphaned(t.Stage).String()); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": t.ID}).
				Warn("fail orphaned task")
			continue
		}
		metrics.RecordReconcileOrphan("failed")
	}
	return nil
}

// reclaimFromDeadOwner applies the running-task half of spec §4.2's claim
// reclaim policy ("idle_ms > stale threshold AND owning instance dead"): a
// PEL entry still fresh, or still owned by a live instance, means the task is
// merely slow and must be left alone. Only once both conditions hold does it
// claim the entry under the reconciler's own consumer identity so the caller
// may proceed to resolve the task via the artifact check; step 3
// (ackOrphanedPELEntries) acks the entry once that resolution lands the task
// in a terminal state. The original's equivalent lived in the engine SDK
// (streams_sync.claim_stale_from_dead_engines), which this repo scoped to
// contract-only, so the reconciler performs the reclaim itself.
func (r *Reconciler) reclaimFromDeadOwner(ctx context.Context, e pelEntry) bool {
	if e.entry.Idle < r.cfg.StaleThreshold {
		return false
	}
	alive, err := r.registry.IsAlive(ctx, e.entry.Consumer)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": e.task.ID}).
			Warn("check PEL owner liveness")
		return false
	}
	if alive {
		return false
	}
	if _, err := r.queue.Claim(ctx, e.stage, reconcilerConsumer, 0, []redisx.PendingEntry{e.entry}); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": e.task.ID}).
			Warn("claim stale PEL entry from dead owner")
		return false
	}
	return true
}

func (r *Reconciler) failOrphan(ctx context.Context, t models.Task, errMsg string) error {
	if err := r.handlers.TaskFailed(ctx, t.ID, errMsg); err != nil {
		return err
	}
	r.publishSynthetic(ctx, eventbus.TaskFailed, handlers.TaskFailedPayload{TaskID: t.ID, JobID: t.JobID, Error: errMsg})
	return nil
}

// ackOrphanedPELEntries is step 3: a PEL entry whose task is already
// terminal is leftover noise (the engine's ack was lost after the terminal
// event landed, or the reconciler itself just resolved it above). Entries
// for ready/running tasks are left strictly alone.
func (r *Reconciler) ackOrphanedPELEntries(ctx context.Context, entries []pelEntry) error {
	for _, e := range entries {
		// Re-read the task: step 2 may have resolved it since step 1's snapshot.
		task, err := r.tasks.GetByID(ctx, e.task.ID)
		if err != nil || task == nil || !task.Status.Terminal() {
			continue
		}
		if err := r.queue.Ack(ctx, e.stage, e.entry.MessageID); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": e.task.ID}).
				Warn("ack orphaned PEL entry")
		}
	}
	return nil
}

// recoverStaleReady is step 4: a task still ready in the DB whose PEL entry
// has gone idle past the stale threshold because the owning instance died
// before ever claiming it into running. Recovery adds the replacement
// message before acking the stale one.
func (r *Reconciler) recoverStaleReady(ctx context.Context, entries []pelEntry) error {
	for _, e := range entries {
		if e.task.Status != models.TaskStatusReady {
			continue
		}
		if e.entry.Idle < r.cfg.StaleThreshold {
			continue
		}
		alive, err := r.registry.IsAlive(ctx, e.entry.Consumer)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": e.task.ID}).
				Warn("check PEL owner liveness")
			continue
		}
		if alive {
			continue
		}

		msg, err := r.queue.Peek(ctx, e.stage, e.entry.MessageID)
		if err != nil || msg == nil {
			continue
		}
		msg.EnqueuedAt = time.Now()
		// A false return here just means a previous sweep already recovered
		// this entry and hasn't acked it yet; either way it's now safe to ack.
		if _, err := r.queue.AddRecovery(ctx, e.entry.MessageID, *msg); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": e.task.ID}).
				Warn("recovery re-enqueue")
			continue
		}
		if err := r.queue.Ack(ctx, e.stage, e.entry.MessageID); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"task_id": e.task.ID}).
				Warn("ack stale ready PEL entry after recovery")
		}
		metrics.ReconcilePELRecoveriesTotal.Inc()
	}
	return nil
}

// pruneStaleInstances is step 5: instances whose heartbeat record has
// expired are dropped from their engine's instance set, and the engine
// itself is dropped once its instance set is empty.
func (r *Reconciler) pruneStaleInstances(ctx context.Context) error {
	engines, err := r.registry.ListEngines(ctx)
	if err != nil {
		return fmt.Errorf("list engines: %w", err)
	}
	for _, engineID := range engines {
		instances, err := r.registry.ListInstances(ctx, engineID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"engine_id": engineID}).
				Warn("list instances for engine")
			continue
		}
		for _, instanceID := range instances {
			exists, err := r.registry.InstanceExists(ctx, instanceID)
			if err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"instance_id": instanceID}).
					Warn("check instance heartbeat")
				continue
			}
			if exists {
				continue
			}
			if err := r.registry.PruneStaleInstance(ctx, engineID, instanceID); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"instance_id": instanceID}).
					Warn("prune stale instance")
				continue
			}
			metrics.ReconcileInstancesPrunedTotal.Inc()
		}
	}
	return nil
}

// publishSynthetic emits the reconciler's own task.completed/task.failed
// notification alongside the DB transition handlers.Handlers already
// performed; this is the "emit a synthetic task.completed/task.failed" half
// of spec §4.7 step 2, kept separate from the handler call since Handlers
// itself never publishes task-level events (only job-level terminal ones).
func (r *Reconciler) publishSynthetic(ctx context.Context, eventType eventbus.Type, payload any) {
	if err := r.bus.Publish(ctx, eventType, payload); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"event_type": eventType}).
			Warn("publish synthetic event")
	}
}

// expectedOutputURI is the deterministic location an engine's output for a
// task is expected to land at, mirroring the scheduler's input-artifact
// convention (spec §4.7 step 2 "the task's expected output artifact";
// resolved here since the spec leaves the exact convention unstated).
func expectedOutputURI(taskID uuid.UUID) string {
	return fmt.Sprintf("dalston/outputs/%s.json", taskID)
}
