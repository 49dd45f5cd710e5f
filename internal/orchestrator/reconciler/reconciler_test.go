package reconciler

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssarunic/dalston-sub001/internal/catalog"
	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/concurrency"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/dag"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/handlers"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/scheduler"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/platform/database"
	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
	"github.com/ssarunic/dalston-sub001/internal/queue"
	"github.com/ssarunic/dalston-sub001/internal/registry"
)

// fakeTasks is a minimal in-memory repositories.TaskRepo, package-private to
// this test file (see the scheduler and handlers packages' own copies).
type fakeTasks struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*models.Task
	byJob map[uuid.UUID][]uuid.UUID
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{byID: map[uuid.UUID]*models.Task{}, byJob: map[uuid.UUID][]uuid.UUID{}}
}

func (f *fakeTasks) put(t models.Task) {
	cp := t
	f.byID[t.ID] = &cp
	for _, id := range f.byJob[t.JobID] {
		if id == t.ID {
			return
		}
	}
	f.byJob[t.JobID] = append(f.byJob[t.JobID], t.ID)
}

func (f *fakeTasks) CreateBatch(_ context.Context, tasks []models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		f.put(t)
	}
	return nil
}

func (f *fakeTasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTasks) ListByJob(_ context.Context, jobID uuid.UUID) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Task
	for _, id := range f.byJob[jobID] {
		out = append(out, *f.byID[id])
	}
	return out, nil
}

func (f *fakeTasks) ExistsForJob(_ context.Context, jobID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byJob[jobID]) > 0, nil
}

func (f *fakeTasks) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next models.TaskStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok || t.Status != expected {
		return false, nil
	}
	t.Status = next
	return true, nil
}

func (f *fakeTasks) SetStatus(_ context.Context, id uuid.UUID, status models.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byID[id]; ok {
		t.Status = status
	}
	return nil
}

func (f *fakeTasks) SetRunning(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok || t.Status != models.TaskStatusReady {
		return false, nil
	}
	t.Status = models.TaskStatusRunning
	return true, nil
}

func (f *fakeTasks) SetCompleted(_ context.Context, id uuid.UUID, outputURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byID[id]; ok {
		t.Status = models.TaskStatusCompleted
		t.OutputURI = &outputURI
	}
	return nil
}

func (f *fakeTasks) SetFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byID[id]; ok {
		t.Status = models.TaskStatusFailed
		t.Error = &errMsg
	}
	return nil
}

func (f *fakeTasks) SetSkipped(_ context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byID[id]; ok {
		t.Status = models.TaskStatusSkipped
		t.Error = &errMsg
	}
	return nil
}

func (f *fakeTasks) SetCancelledIfPendingOrReady(_ context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cancelled []uuid.UUID
	for _, id := range f.byJob[jobID] {
		t := f.byID[id]
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusReady {
			t.Status = models.TaskStatusCancelled
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

func (f *fakeTasks) SetInputURI(_ context.Context, id uuid.UUID, inputURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byID[id]; ok {
		t.InputURI = &inputURI
	}
	return nil
}

func (f *fakeTasks) IncrementRetries(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byID[id]; ok {
		t.Retries++
	}
	return nil
}

func (f *fakeTasks) ListActiveStages(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, t := range f.byID {
		if t.Status == models.TaskStatusReady || t.Status == models.TaskStatusRunning {
			if !seen[t.Stage] {
				seen[t.Stage] = true
				out = append(out, t.Stage)
			}
		}
	}
	return out, nil
}

func (f *fakeTasks) ListStaleRunning(_ context.Context, olderThan time.Duration) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Task
	for _, t := range f.byID {
		if t.Status == models.TaskStatusRunning && t.StartedAt != nil && time.Since(*t.StartedAt) > olderThan {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTasks) DeleteByJob(_ context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.byJob[jobID] {
		delete(f.byID, id)
	}
	delete(f.byJob, jobID)
	return nil
}

type fakeJobs struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.Job
}

func newFakeJobs() *fakeJobs { return &fakeJobs{byID: map[uuid.UUID]*models.Job{}} }

func (f *fakeJobs) Create(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[job.ID] = job
	return nil
}

func (f *fakeJobs) GetByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) SetRunning(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.byID[id]; ok {
		j.Status = models.JobStatusRunning
	}
	return nil
}

func (f *fakeJobs) SetStatus(_ context.Context, id uuid.UUID, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.byID[id]; ok {
		j.Status = status
	}
	return nil
}

func (f *fakeJobs) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next models.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.byID[id]
	if !ok || j.Status != expected {
		return false, nil
	}
	j.Status = next
	return true, nil
}

func (f *fakeJobs) SetCompleted(_ context.Context, id uuid.UUID, status models.JobStatus, errMsg *string, result *models.ResultSummary, purgeAfter *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.byID[id]
	if !ok {
		return nil
	}
	j.Status = status
	j.Error = errMsg
	if result != nil {
		rs := database.NewJSONB(*result)
		j.ResultSummary = &rs
	}
	j.PurgeAfter = purgeAfter
	return nil
}

func (f *fakeJobs) SetError(_ context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.byID[id]; ok {
		j.Error = &errMsg
	}
	return nil
}

func (f *fakeJobs) IncrementRetryCount(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.byID[id]; ok {
		j.RetryCount++
	}
	return nil
}

func (f *fakeJobs) ResetForRetry(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.byID[id]; ok {
		j.Status = models.JobStatusPending
		j.Error = nil
		j.CompletedAt = nil
	}
	return nil
}

func (f *fakeJobs) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

type testDeps struct {
	rec   *Reconciler
	tasks *fakeTasks
	jobs  *fakeJobs
	reg   *registry.Registry
	store *storage.Fake
	srv   *miniredis.Miniredis
	queue *queue.Queue
}

func newTestReconciler(t *testing.T, cfg Config) *testDeps {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := redisx.NewClient(redisx.Config{Host: host, Port: port}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	logger := zapadapter.NewZapEctoLogger(zap.NewNop(), nil)
	streams := redisx.NewStreams(client)
	q := queue.New(streams, client, "dalston:stage:", "dalston-workers", time.Minute)
	bus := eventbus.New(client, streams, logger, "dalston:events", "dalston:events:stream", "dalston-workers", 1000)
	locker := redisx.NewLocker(client, "dalston:lock")
	guard := concurrency.New(client)
	store := storage.NewFake()
	cat := catalog.Default()
	builder := dag.NewBuilder(cat)
	reg := registry.New(client, logger, time.Minute)
	jobs := newFakeJobs()
	tasks := newFakeTasks()

	sched := scheduler.New(jobs, tasks, builder, cat, q, bus, store, reg, guard, logger)
	h := handlers.New(jobs, tasks, bus, sched, guard, store, client, logger)

	rec := New(cfg, locker, tasks, q, bus, store, reg, h, logger)
	return &testDeps{rec: rec, tasks: tasks, jobs: jobs, reg: reg, store: store, srv: srv, queue: q}
}

func TestSweepCompletesOrphanedRunningTaskWhenArtifactExists(t *testing.T) {
	ctx := context.Background()
	d := newTestReconciler(t, Config{StaleThreshold: time.Minute})

	jobID := uuid.New()
	job := &models.Job{ID: jobID, TenantID: uuid.New(), Status: models.JobStatusRunning}
	require.NoError(t, d.jobs.Create(ctx, job))

	startedAt := time.Now().Add(-time.Hour)
	task := models.Task{
		ID: uuid.New(), JobID: jobID, Stage: "merge", Status: models.TaskStatusRunning,
		StartedAt: &startedAt, Required: true, MaxRetries: 2,
	}
	require.NoError(t, d.tasks.CreateBatch(ctx, []models.Task{task}))

	uri := expectedOutputURI(task.ID)
	require.NoError(t, d.store.PutJSON(ctx, uri, map[string]any{"segments": []any{}}))

	require.NoError(t, d.rec.Sweep(ctx))

	reloaded, err := d.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, reloaded.Status)
}

func TestSweepFailsOrphanedRunningTaskWhenArtifactMissing(t *testing.T) {
	ctx := context.Background()
	d := newTestReconciler(t, Config{StaleThreshold: time.Minute})

	jobID := uuid.New()
	job := &models.Job{ID: jobID, TenantID: uuid.New(), Status: models.JobStatusRunning}
	require.NoError(t, d.jobs.Create(ctx, job))

	startedAt := time.Now().Add(-time.Hour)
	task := models.Task{
		ID: uuid.New(), JobID: jobID, Stage: "merge", Status: models.TaskStatusRunning,
		StartedAt: &startedAt, Required: true, MaxRetries: 2, Retries: 2,
	}
	require.NoError(t, d.tasks.CreateBatch(ctx, []models.Task{task}))

	require.NoError(t, d.rec.Sweep(ctx))

	reloaded, err := d.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusFailed, reloaded.Status)

	reloadedJob, err := d.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, reloadedJob.Status)
}

func TestSweepLeavesFreshRunningTaskAlone(t *testing.T) {
	ctx := context.Background()
	d := newTestReconciler(t, Config{StaleThreshold: time.Hour})

	jobID := uuid.New()
	require.NoError(t, d.jobs.Create(ctx, &models.Job{ID: jobID, TenantID: uuid.New(), Status: models.JobStatusRunning}))

	startedAt := time.Now()
	task := models.Task{ID: uuid.New(), JobID: jobID, Stage: "merge", Status: models.TaskStatusRunning, StartedAt: &startedAt}
	require.NoError(t, d.tasks.CreateBatch(ctx, []models.Task{task}))

	require.NoError(t, d.rec.Sweep(ctx))

	reloaded, err := d.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusRunning, reloaded.Status, "a task running well within the stale threshold must not be touched")
}

func TestSweepReclaimsRunningTaskFromDeadOwner(t *testing.T) {
	ctx := context.Background()
	cfg := Config{StaleThreshold: time.Minute}
	d := newTestReconciler(t, cfg)

	jobID := uuid.New()
	require.NoError(t, d.jobs.Create(ctx, &models.Job{ID: jobID, TenantID: uuid.New(), Status: models.JobStatusRunning}))

	startedAt := time.Now().Add(-time.Hour)
	task := models.Task{
		ID: uuid.New(), JobID: jobID, Stage: "merge", Status: models.TaskStatusRunning,
		StartedAt: &startedAt, Required: true, MaxRetries: 2,
	}
	require.NoError(t, d.tasks.CreateBatch(ctx, []models.Task{task}))

	require.NoError(t, d.queue.EnsureGroup(ctx, "merge"))
	enqueued, err := d.queue.Add(ctx, queue.Message{
		TaskID: task.ID, JobID: jobID, Stage: "merge", EngineID: "engine-whisper-large",
		InputURI: "dalston/inputs/x.json", EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, enqueued)

	// "instance-dead" claims the message but never heartbeats into the
	// registry, then disappears — simulating a worker that died mid-task
	// (spec §8 scenario 5).
	delivery, err := d.queue.ReadNext(ctx, "merge", "instance-dead", 0)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	d.srv.FastForward(2 * time.Minute) // past StaleThreshold

	uri := expectedOutputURI(task.ID)
	require.NoError(t, d.store.PutJSON(ctx, uri, map[string]any{"segments": []any{}}))

	require.NoError(t, d.rec.Sweep(ctx))

	reloaded, err := d.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, reloaded.Status)

	pending, err := d.queue.Pending(ctx, "merge")
	require.NoError(t, err)
	require.Empty(t, pending, "the reclaimed entry must be acked once the task resolves")
}

func TestSweepLeavesRunningTaskWithLivePELOwnerAlone(t *testing.T) {
	ctx := context.Background()
	cfg := Config{StaleThreshold: time.Minute}
	d := newTestReconciler(t, cfg)

	require.NoError(t, d.reg.Register(ctx, registry.InstanceInfo{
		EngineID: "engine-whisper-large", InstanceID: "instance-alive", Status: registry.StatusOnline,
	}))

	jobID := uuid.New()
	require.NoError(t, d.jobs.Create(ctx, &models.Job{ID: jobID, TenantID: uuid.New(), Status: models.JobStatusRunning}))

	startedAt := time.Now().Add(-time.Hour)
	task := models.Task{
		ID: uuid.New(), JobID: jobID, Stage: "merge", Status: models.TaskStatusRunning,
		StartedAt: &startedAt, Required: true, MaxRetries: 2,
	}
	require.NoError(t, d.tasks.CreateBatch(ctx, []models.Task{task}))

	require.NoError(t, d.queue.EnsureGroup(ctx, "merge"))
	enqueued, err := d.queue.Add(ctx, queue.Message{
		TaskID: task.ID, JobID: jobID, Stage: "merge", EngineID: "engine-whisper-large",
		InputURI: "dalston/inputs/x.json", EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, enqueued)

	delivery, err := d.queue.ReadNext(ctx, "merge", "instance-alive", 0)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	d.srv.FastForward(2 * time.Minute) // past StaleThreshold and the 1m heartbeat TTL; the instance registers again below, so it is alive

	require.NoError(t, d.reg.Register(ctx, registry.InstanceInfo{
		EngineID: "engine-whisper-large", InstanceID: "instance-alive", Status: registry.StatusOnline,
	}))

	require.NoError(t, d.rec.Sweep(ctx))

	reloaded, err := d.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusRunning, reloaded.Status, "a task whose PEL owner is still alive must not be reclaimed")
}

func TestSweepPrunesExpiredRegistryInstance(t *testing.T) {
	ctx := context.Background()
	d := newTestReconciler(t, Config{StaleThreshold: time.Hour})

	require.NoError(t, d.reg.Register(ctx, registry.InstanceInfo{
		EngineID: "engine-whisper-large", InstanceID: "instance-1", Status: registry.StatusOnline,
	}))
	d.srv.FastForward(2 * time.Minute) // past the 1m heartbeat TTL configured in newTestReconciler

	require.NoError(t, d.rec.Sweep(ctx))

	instances, err := d.reg.ListInstances(ctx, "engine-whisper-large")
	require.NoError(t, err)
	require.Empty(t, instances)

	engines, err := d.reg.ListEngines(ctx)
	require.NoError(t, err)
	require.NotContains(t, engines, "engine-whisper-large")
}
