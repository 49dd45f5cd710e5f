package consumer

import (
	"context"
	"encoding/json"
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

// fakeJobs/fakeTasks mirror the in-memory repositories used by the
// scheduler/handlers/reconciler package tests (package-private, not shared).
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

func (f *fakeTasks) ListActiveStages(_ context.Context) ([]string, error) { return nil, nil }

func (f *fakeTasks) ListStaleRunning(_ context.Context, _ time.Duration) ([]models.Task, error) {
	return nil, nil
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

type testDeps struct {
	consumer *Consumer
	bus      *eventbus.Bus
	jobs     *fakeJobs
	tasks    *fakeTasks
}

func newTestConsumer(t *testing.T) *testDeps {
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
	require.NoError(t, bus.EnsureGroup(context.Background()))
	guard := concurrency.New(client)
	store := storage.NewFake()
	cat := catalog.Default()
	builder := dag.NewBuilder(cat)
	reg := registry.New(client, logger, time.Minute)
	require.NoError(t, reg.Register(context.Background(), registry.InstanceInfo{
		EngineID: "engine-prepare", InstanceID: "i-prepare", Status: registry.StatusOnline, Capabilities: []string{"prepare"},
	}))
	jobs := newFakeJobs()
	tasks := newFakeTasks()

	sched := scheduler.New(jobs, tasks, builder, cat, q, bus, store, reg, guard, logger)
	h := handlers.New(jobs, tasks, bus, sched, guard, store, client, logger)
	c := New(bus, sched, h, "consumer-1", 10*time.Millisecond, logger)

	return &testDeps{consumer: c, bus: bus, jobs: jobs, tasks: tasks}
}

func TestDispatchJobCreatedBuildsDAG(t *testing.T) {
	ctx := context.Background()
	d := newTestConsumer(t)

	job := &models.Job{
		ID: uuid.New(), TenantID: uuid.New(), Status: models.JobStatusPending,
		Parameters:    database.NewJSONB(models.JobParameters{ModelID: "whisper-large-v3"}),
		AudioMetadata: database.NewJSONB(models.AudioMetadata{Channels: 1}),
	}
	require.NoError(t, d.jobs.Create(ctx, job))

	payload, err := json.Marshal(scheduler.JobCreatedPayload{JobID: job.ID})
	require.NoError(t, err)
	evt := eventbus.Event{Type: eventbus.JobCreated, Payload: payload}

	require.NoError(t, d.consumer.dispatch(ctx, evt))

	tasks, err := d.tasks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
}

func TestDispatchTaskStartedClaimsTask(t *testing.T) {
	ctx := context.Background()
	d := newTestConsumer(t)

	task := models.Task{ID: uuid.New(), JobID: uuid.New(), Stage: "prepare", Status: models.TaskStatusReady}
	require.NoError(t, d.tasks.CreateBatch(ctx, []models.Task{task}))

	payload, err := json.Marshal(handlers.TaskStartedPayload{TaskID: task.ID})
	require.NoError(t, err)
	evt := eventbus.Event{Type: eventbus.TaskStarted, Payload: payload}

	require.NoError(t, d.consumer.dispatch(ctx, evt))

	reloaded, err := d.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusRunning, reloaded.Status)
}

func TestDispatchUnknownEventTypeIsANoOp(t *testing.T) {
	ctx := context.Background()
	d := newTestConsumer(t)

	require.NoError(t, d.consumer.dispatch(ctx, eventbus.Event{Type: eventbus.Type("some.future.event")}))
}

func TestDispatchTerminalNotificationsAreNoOps(t *testing.T) {
	ctx := context.Background()
	d := newTestConsumer(t)

	for _, typ := range []eventbus.Type{eventbus.JobCompleted, eventbus.JobFailed, eventbus.JobCancelled} {
		require.NoError(t, d.consumer.dispatch(ctx, eventbus.Event{Type: typ}))
	}
}

func TestHandleAcksOnlyAfterSuccessfulDispatch(t *testing.T) {
	ctx := context.Background()
	d := newTestConsumer(t)

	task := models.Task{ID: uuid.New(), JobID: uuid.New(), Stage: "prepare", Status: models.TaskStatusReady}
	require.NoError(t, d.tasks.CreateBatch(ctx, []models.Task{task}))
	payload, err := json.Marshal(handlers.TaskStartedPayload{TaskID: task.ID})
	require.NoError(t, err)

	require.NoError(t, d.bus.Publish(ctx, eventbus.TaskStarted, json.RawMessage(payload)))

	delivery, err := d.bus.ReadNext(ctx, "consumer-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	d.consumer.handle(ctx, *delivery)

	pending, err := d.bus.Pending(ctx, "consumer-1")
	require.NoError(t, err)
	require.Empty(t, pending, "a successfully dispatched event must be acked")
}
