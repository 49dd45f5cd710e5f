// Package concurrency implements the per-tenant concurrent-job counter and
// its decrement-once guard (spec §5 "Backpressure"; §4.6 "Decrement-once").
package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
	"github.com/ssarunic/dalston-sub001/pkg/metrics"
)

const guardTTL = 24 * time.Hour

// Guard bounds in-flight jobs per tenant and ensures the counter is
// decremented at most once per job no matter how many times a job's
// terminal transition is replayed (spec §5, §4.6, §9 "Idempotency over
// global state").
type Guard struct {
	redis *redisx.Client
}

func New(redis *redisx.Client) *Guard {
	return &Guard{redis: redis}
}

func counterKey(tenantID string) string {
	return fmt.Sprintf("dalston:tenant:%s:inflight_jobs", tenantID)
}

func decrementedKey(jobID uuid.UUID) string {
	return fmt.Sprintf("decremented:%s", jobID)
}

// Increment happens at job acceptance (spec §5 "Increment happens at job
// acceptance").
func (g *Guard) Increment(ctx context.Context, tenantID string) error {
	return g.redis.Raw().Incr(ctx, counterKey(tenantID)).Err()
}

// DecrementOnce performs the per-job guarded decrement: it returns true iff
// this call is the one that actually decremented the counter. Callers in
// every terminal-transition path (job.completed, job.failed, job.cancelled,
// and their replays) call this unconditionally; at most one of them wins
// the guard (spec §4.6 "Decrement-once").
func (g *Guard) DecrementOnce(ctx context.Context, tenantID string, jobID uuid.UUID) (bool, error) {
	won, err := g.redis.SetNX(ctx, decrementedKey(jobID), "1", guardTTL)
	if err != nil {
		return false, fmt.Errorf("acquire decrement-once guard for job %s: %w", jobID, err)
	}
	metrics.RecordDecrementOnce(won)
	if !won {
		return false, nil
	}
	if err := g.redis.Raw().Decr(ctx, counterKey(tenantID)).Err(); err != nil {
		return true, fmt.Errorf("decrement inflight counter for tenant %s: %w", tenantID, err)
	}
	return true, nil
}

// Count returns the current in-flight job count for a tenant, used by the
// gateway's admission check ahead of submit_job.
func (g *Guard) Count(ctx context.Context, tenantID string) (int64, error) {
	val, err := g.redis.Get(ctx, counterKey(tenantID))
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}
