// Package adminapi implements the internal, echo-based HTTP surface for the
// §6 "Gateway -> core" contract (submit_job, cancel_job, retry_job,
// delete_job) plus health and Prometheus routes. It is not the out-of-scope
// public gateway: it is the transport an upstream gateway process calls,
// following the teacher's internal/handlers package conventions
// (handler-struct-with-repos, base.go helpers, httperror-driven error
// handling).
package adminapi

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssarunic/dalston-sub001/config"
	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/concurrency"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/repositories"
	"github.com/ssarunic/dalston-sub001/pkg/health"
)

// Handlers wraps the repositories and collaborators the admin API's
// handlers need, mirroring the teacher's TenantHandler/PlanHandler shape
// (internal/handlers/tenant_handler.go, internal/handlers/plan.go).
type Handlers struct {
	jobs   repositories.JobRepo
	tasks  repositories.TaskRepo
	bus    *eventbus.Bus
	guard  *concurrency.Guard
	store  storage.ArtifactStore
	cfg    config.Config
	logger ectologger.Logger
}

func New(
	jobs repositories.JobRepo,
	tasks repositories.TaskRepo,
	bus *eventbus.Bus,
	guard *concurrency.Guard,
	store storage.ArtifactStore,
	cfg config.Config,
	logger ectologger.Logger,
) *Handlers {
	return &Handlers{jobs: jobs, tasks: tasks, bus: bus, guard: guard, store: store, cfg: cfg, logger: logger}
}

// RegisterRoutes mounts the admin API, health checks and metrics endpoint on
// e, wiring the teacher-style JSON error handler ahead of anything else
// (stem/pkg/middleware.Error, reimplemented against this module's own
// reqcontext/tracing packages instead of the teacher's external stem module).
func RegisterRoutes(e *echo.Echo, h *Handlers, checker *health.Checker, logger ectologger.Logger) {
	e.HTTPErrorHandler = ErrorHandler(logger)

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api/v1/admin/jobs")
	g.POST("", h.SubmitJob)
	g.GET("/:job_id", h.GetJob)
	g.POST("/:job_id/cancel", h.CancelJob)
	g.POST("/:job_id/retry", h.RetryJob)
	g.DELETE("/:job_id", h.DeleteJob)
}

