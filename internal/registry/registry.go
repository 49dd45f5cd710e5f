// Package registry implements the Engine Registry (spec §4.1): a set of
// known logical engine ids, a per-engine set of live instance ids, and a
// per-instance heartbeat hash with TTL. Liveness is scoped to instance_id so
// a replacement instance reusing the same engine_id never masks the death of
// its predecessor (spec §9 "Replacement instances must not mask deaths").
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
)

const (
	enginesSetKey        = "dalston:engines"
	engineInstancesKey   = "dalston:engine:%s:instances"
	instanceHeartbeatKey = "dalston:instance:%s"
)

// Status is the instance-reported liveness status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusDraining Status = "draining"
)

// InstanceInfo is what an engine instance reports on register/heartbeat.
type InstanceInfo struct {
	EngineID     string
	InstanceID   string
	Status       Status
	Capabilities []string
}

type Registry struct {
	client *redisx.Client
	logger ectologger.Logger
	ttl    time.Duration
}

func New(client *redisx.Client, logger ectologger.Logger, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Registry{client: client, logger: logger, ttl: ttl}
}

// Register adds the instance to its engine's instance set and writes its
// heartbeat record (spec §4.1 register).
func (r *Registry) Register(ctx context.Context, info InstanceInfo) error {
	if err := r.client.SAdd(ctx, enginesSetKey, info.EngineID); err != nil {
		return fmt.Errorf("register engine: %w", err)
	}
	if err := r.client.SAdd(ctx, fmt.Sprintf(engineInstancesKey, info.EngineID), info.InstanceID); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return r.writeHeartbeat(ctx, info)
}

// Heartbeat refreshes the instance's record and TTL (spec §4.1 heartbeat).
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, status Status) error {
	key := fmt.Sprintf(instanceHeartbeatKey, instanceID)
	exists, err := r.client.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("heartbeat for unknown instance %s", instanceID)
	}
	if err := r.client.HSet(ctx, key, map[string]any{
		"status":         string(status),
		"last_heartbeat": strconv.FormatInt(time.Now().Unix(), 10),
	}); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, r.ttl)
}

func (r *Registry) writeHeartbeat(ctx context.Context, info InstanceInfo) error {
	key := fmt.Sprintf(instanceHeartbeatKey, info.InstanceID)
	caps := strings.Join(info.Capabilities, ",")
	fields := map[string]any{
		"engine_id":      info.EngineID,
		"status":         string(info.Status),
		"last_heartbeat": strconv.FormatInt(time.Now().Unix(), 10),
		"capabilities":   caps,
	}
	if err := r.client.HSet(ctx, key, fields); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, r.ttl)
}

// Record is the parsed form of an instance's heartbeat hash.
type Record struct {
	EngineID       string
	Status         Status
	LastHeartbeat  time.Time
	Capabilities   []string
}

// IsAlive reports whether the record exists, status != offline, and the
// heartbeat is within the last 60s (spec §3 Engine instance / §4.1 is_alive).
func (r *Registry) IsAlive(ctx context.Context, instanceID string) (bool, error) {
	rec, err := r.get(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if rec.Status == StatusOffline {
		return false, nil
	}
	return time.Since(rec.LastHeartbeat) < 60*time.Second, nil
}

func (r *Registry) get(ctx context.Context, instanceID string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, fmt.Sprintf(instanceHeartbeatKey, instanceID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	ts, _ := strconv.ParseInt(fields["last_heartbeat"], 10, 64)
	var caps []string
	if c := fields["capabilities"]; c != "" {
		caps = strings.Split(c, ",")
	}
	return &Record{
		EngineID:      fields["engine_id"],
		Status:        Status(fields["status"]),
		LastHeartbeat: time.Unix(ts, 0),
		Capabilities:  caps,
	}, nil
}

// ListInstances enumerates the live instance ids for an engine (spec §4.1
// list_instances) — "live" here means present in the instance set; callers
// that need liveness should also check IsAlive, since the set itself is
// only pruned by the reconciler (spec §4.7 step 5).
func (r *Registry) ListInstances(ctx context.Context, engineID string) ([]string, error) {
	return r.client.SMembers(ctx, fmt.Sprintf(engineInstancesKey, engineID))
}

// ListLiveInstances returns instances that are both registered and alive,
// along with their declared capabilities — what the scheduler's
// capability check consults before enqueueing (spec §4.5).
func (r *Registry) ListLiveInstances(ctx context.Context, engineID string) ([]Record, error) {
	ids, err := r.ListInstances(ctx, engineID)
	if err != nil {
		return nil, err
	}
	var live []Record
	for _, id := range ids {
		rec, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Status == StatusOffline {
			continue
		}
		if time.Since(rec.LastHeartbeat) >= 60*time.Second {
			continue
		}
		live = append(live, *rec)
	}
	return live, nil
}

// InstanceExists reports whether the instance's heartbeat record is still
// present, i.e. its TTL has not expired (spec §4.7 step 5's prune
// condition, distinct from IsAlive which also checks staleness/status).
func (r *Registry) InstanceExists(ctx context.Context, instanceID string) (bool, error) {
	return r.client.Exists(ctx, fmt.Sprintf(instanceHeartbeatKey, instanceID))
}

// ListEngines enumerates all known logical engine ids.
func (r *Registry) ListEngines(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, enginesSetKey)
}

// PruneStaleInstance removes an instance whose heartbeat key has already
// expired from its engine's instance set, and removes the engine itself if
// that leaves the set empty (spec §4.7 step 5).
func (r *Registry) PruneStaleInstance(ctx context.Context, engineID, instanceID string) error {
	if err := r.client.SRem(ctx, fmt.Sprintf(engineInstancesKey, engineID), instanceID); err != nil {
		return err
	}
	remaining, err := r.client.SCard(ctx, fmt.Sprintf(engineInstancesKey, engineID))
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := r.client.Del(ctx, fmt.Sprintf(engineInstancesKey, engineID)); err != nil {
			return err
		}
		return r.client.SRem(ctx, enginesSetKey, engineID)
	}
	return nil
}
