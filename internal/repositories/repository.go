// Package repositories implements persistence for the two tables the
// orchestrator core owns (spec §6 "Persisted state layout"): jobs and
// tasks. Modeled on the teacher's pkg/repositories conventions (a thin base
// wrapping database.DB plus structured logging helpers), without the
// tenant-from-context requirement the gateway-facing repositories used,
// since the orchestrator core processes jobs across tenants by job id, not
// by an authenticated caller.
package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssarunic/dalston-sub001/internal/platform/database"
	"github.com/ssarunic/dalston-sub001/internal/platform/tracing"
)

// Repository provides the database handle and logging helpers shared by
// JobRepository and TaskRepository.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) DB() database.DB { return r.db }

func (r *Repository) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracing.StartSpan(ctx, name)
}

func (r *Repository) LogError(ctx context.Context, operation, table string, err error) {
	r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"operation": operation,
		"table":     table,
	}).Error("repository operation failed")
}
