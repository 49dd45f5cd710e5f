package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssarunic/dalston-sub001/config"
	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/concurrency"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
)

// fakeJobs/fakeTasks mirror the in-memory repositories used by the other
// orchestrator packages' tests (package-private, not shared across packages).
type fakeJobs struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.Job
}

func newFakeJobs() *fakeJobs { return &fakeJobs{byID: map[uuid.UUID]*models.Job{}} }

func (f *fakeJobs) Create(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
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

func (f *fakeJobs) SetRunning(_ context.Context, id uuid.UUID) error { return nil }

func (f *fakeJobs) SetStatus(_ context.Context, id uuid.UUID, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.byID[id]; ok {
		j.Status = status
	}
	return nil
}

func (f *fakeJobs) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next models.JobStatus) (bool, error) {
	return false, nil
}

func (f *fakeJobs) SetCompleted(_ context.Context, id uuid.UUID, status models.JobStatus, errMsg *string, result *models.ResultSummary, purgeAfter *time.Time) error {
	return nil
}

func (f *fakeJobs) SetError(_ context.Context, id uuid.UUID, errMsg string) error { return nil }

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
	byJob map[uuid.UUID][]models.Task
}

func newFakeTasks() *fakeTasks { return &fakeTasks{byJob: map[uuid.UUID][]models.Task{}} }

func (f *fakeTasks) CreateBatch(_ context.Context, tasks []models.Task) error { return nil }
func (f *fakeTasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	return nil, nil
}

func (f *fakeTasks) ListByJob(_ context.Context, jobID uuid.UUID) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byJob[jobID], nil
}

func (f *fakeTasks) ExistsForJob(_ context.Context, jobID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byJob[jobID]) > 0, nil
}

func (f *fakeTasks) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next models.TaskStatus) (bool, error) {
	return false, nil
}
func (f *fakeTasks) SetStatus(_ context.Context, id uuid.UUID, status models.TaskStatus) error {
	return nil
}
func (f *fakeTasks) SetRunning(_ context.Context, id uuid.UUID) (bool, error) { return false, nil }
func (f *fakeTasks) SetCompleted(_ context.Context, id uuid.UUID, outputURI string) error {
	return nil
}
func (f *fakeTasks) SetFailed(_ context.Context, id uuid.UUID, errMsg string) error { return nil }
func (f *fakeTasks) SetSkipped(_ context.Context, id uuid.UUID, errMsg string) error {
	return nil
}

func (f *fakeTasks) SetCancelledIfPendingOrReady(_ context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeTasks) SetInputURI(_ context.Context, id uuid.UUID, inputURI string) error {
	return nil
}
func (f *fakeTasks) IncrementRetries(_ context.Context, id uuid.UUID) error { return nil }
func (f *fakeTasks) ListActiveStages(_ context.Context) ([]string, error)  { return nil, nil }
func (f *fakeTasks) ListStaleRunning(_ context.Context, _ time.Duration) ([]models.Task, error) {
	return nil, nil
}

func (f *fakeTasks) DeleteByJob(_ context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byJob, jobID)
	return nil
}

func (f *fakeTasks) seed(jobID uuid.UUID, tasks ...models.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byJob[jobID] = tasks
}

type testDeps struct {
	e     *echo.Echo
	jobs  *fakeJobs
	tasks *fakeTasks
	store *storage.Fake
}

func newTestAPI(t *testing.T, cfg config.Config) *testDeps {
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
	bus := eventbus.New(client, streams, logger, "dalston:events", "dalston:events:stream", "dalston-workers", 1000)
	require.NoError(t, bus.EnsureGroup(context.Background()))
	guard := concurrency.New(client)
	store := storage.NewFake()
	jobs := newFakeJobs()
	tasks := newFakeTasks()

	h := New(jobs, tasks, bus, guard, store, cfg, logger)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	g := e.Group("/api/v1/admin/jobs")
	g.POST("", h.SubmitJob)
	g.GET("/:job_id", h.GetJob)
	g.POST("/:job_id/cancel", h.CancelJob)
	g.POST("/:job_id/retry", h.RetryJob)
	g.DELETE("/:job_id", h.DeleteJob)

	return &testDeps{e: e, jobs: jobs, tasks: tasks, store: store}
}

func doRequest(e *echo.Echo, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobCreatesJobAndReturns201(t *testing.T) {
	d := newTestAPI(t, config.Config{JobMaxRetries: 3, TenantMaxConcurrentJobs: 10})

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs", SubmitJobRequest{
		TenantID: uuid.New().String(),
		AudioURI: "s3://bucket/audio.wav",
	}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEqual(t, uuid.Nil, resp.ID)

	reloaded, err := d.jobs.GetByID(context.Background(), resp.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
}

func TestSubmitJobRejectsMissingAudioURI(t *testing.T) {
	d := newTestAPI(t, config.Config{})

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs", SubmitJobRequest{
		TenantID: uuid.New().String(),
	}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobRejectsInvalidTenantID(t *testing.T) {
	d := newTestAPI(t, config.Config{})

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs", SubmitJobRequest{
		TenantID: "not-a-uuid",
		AudioURI: "s3://bucket/audio.wav",
	}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobRejectsOverTenantConcurrencyLimit(t *testing.T) {
	d := newTestAPI(t, config.Config{TenantMaxConcurrentJobs: 1})
	tenantID := uuid.New().String()

	first := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs", SubmitJobRequest{TenantID: tenantID, AudioURI: "s3://bucket/a.wav"}, nil)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs", SubmitJobRequest{TenantID: tenantID, AudioURI: "s3://bucket/b.wav"}, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestGetJobReturns404ForUnknownJob(t *testing.T) {
	d := newTestAPI(t, config.Config{})
	rec := doRequest(d.e, http.MethodGet, "/api/v1/admin/jobs/"+uuid.New().String(), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobReturnsJobAndTasks(t *testing.T) {
	d := newTestAPI(t, config.Config{})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusRunning}
	require.NoError(t, d.jobs.Create(context.Background(), job))
	d.tasks.seed(job.ID, models.Task{ID: uuid.New(), JobID: job.ID, Stage: "prepare"})

	rec := doRequest(d.e, http.MethodGet, "/api/v1/admin/jobs/"+job.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Job   models.Job    `json:"job"`
		Tasks []models.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, job.ID, body.Job.ID)
	require.Len(t, body.Tasks, 1)
}

func TestCancelJobRejectsWrongTenant(t *testing.T) {
	d := newTestAPI(t, config.Config{})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusRunning}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs/"+job.ID.String()+"/cancel", nil,
		map[string]string{"X-Tenant-Id": uuid.New().String()})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobRejectsTerminalJob(t *testing.T) {
	d := newTestAPI(t, config.Config{})
	tenantID := uuid.New()
	job := &models.Job{TenantID: tenantID, Status: models.JobStatusCompleted}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs/"+job.ID.String()+"/cancel", nil,
		map[string]string{"X-Tenant-Id": tenantID.String()})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJobPublishesCancelRequested(t *testing.T) {
	d := newTestAPI(t, config.Config{})
	tenantID := uuid.New()
	job := &models.Job{TenantID: tenantID, Status: models.JobStatusRunning}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs/"+job.ID.String()+"/cancel", nil,
		map[string]string{"X-Tenant-Id": tenantID.String()})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRetryJobRejectsNonFailedJob(t *testing.T) {
	d := newTestAPI(t, config.Config{JobMaxRetries: 3})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusRunning}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs/"+job.ID.String()+"/retry", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryJobRejectsExhaustedRetryBudget(t *testing.T) {
	d := newTestAPI(t, config.Config{JobMaxRetries: 1})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusFailed, RetryCount: 1, AudioURI: "s3://bucket/a.wav"}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs/"+job.ID.String()+"/retry", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryJobRejectsUnreachableAudio(t *testing.T) {
	d := newTestAPI(t, config.Config{JobMaxRetries: 3})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusFailed, AudioURI: "s3://bucket/missing.wav"}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs/"+job.ID.String()+"/retry", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryJobSucceedsAndResetsJob(t *testing.T) {
	d := newTestAPI(t, config.Config{JobMaxRetries: 3})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusFailed, AudioURI: "s3://bucket/a.wav"}
	require.NoError(t, d.jobs.Create(context.Background(), job))
	require.NoError(t, d.store.PutJSON(context.Background(), job.AudioURI, map[string]any{"ok": true}))

	rec := doRequest(d.e, http.MethodPost, "/api/v1/admin/jobs/"+job.ID.String()+"/retry", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	reloaded, err := d.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, reloaded.Status)
	require.Equal(t, 1, reloaded.RetryCount)
}

func TestDeleteJobRejectsNonTerminalJob(t *testing.T) {
	d := newTestAPI(t, config.Config{})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusRunning}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	rec := doRequest(d.e, http.MethodDelete, "/api/v1/admin/jobs/"+job.ID.String(), nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteJobPurgesArtifactsAndRows(t *testing.T) {
	d := newTestAPI(t, config.Config{})
	job := &models.Job{TenantID: uuid.New(), Status: models.JobStatusCompleted}
	require.NoError(t, d.jobs.Create(context.Background(), job))

	inputURI := "dalston/inputs/x.json"
	require.NoError(t, d.store.PutJSON(context.Background(), inputURI, map[string]any{}))
	d.tasks.seed(job.ID, models.Task{ID: uuid.New(), JobID: job.ID, Stage: "prepare", InputURI: &inputURI})

	rec := doRequest(d.e, http.MethodDelete, "/api/v1/admin/jobs/"+job.ID.String(), nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	exists, err := d.store.Exists(context.Background(), inputURI)
	require.NoError(t, err)
	require.False(t, exists)

	reloaded, err := d.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded)
}
