package registry

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
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

	return New(client, nil, ttl)
}

func TestRegisterThenIsAlive(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	err := r.Register(ctx, InstanceInfo{
		EngineID:     "engine-whisper-large",
		InstanceID:   "instance-1",
		Status:       StatusOnline,
		Capabilities: []string{"transcribe", "align"},
	})
	require.NoError(t, err)

	alive, err := r.IsAlive(ctx, "instance-1")
	require.NoError(t, err)
	require.True(t, alive)

	engines, err := r.ListEngines(ctx)
	require.NoError(t, err)
	require.Contains(t, engines, "engine-whisper-large")

	instances, err := r.ListInstances(ctx, "engine-whisper-large")
	require.NoError(t, err)
	require.Contains(t, instances, "instance-1")
}

func TestIsAliveFalseForUnknownInstance(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	alive, err := r.IsAlive(ctx, "never-registered")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestHeartbeatOfflineMakesInstanceNotAlive(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "engine-whisper-large",
		InstanceID: "instance-1",
		Status:     StatusOnline,
	}))

	require.NoError(t, r.Heartbeat(ctx, "instance-1", StatusOffline))

	alive, err := r.IsAlive(ctx, "instance-1")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestHeartbeatUnknownInstanceErrors(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	err := r.Heartbeat(ctx, "ghost", StatusOnline)
	require.Error(t, err)
}

func TestListLiveInstancesExcludesOfflineAndReturnsCapabilities(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:     "engine-whisper-large",
		InstanceID:   "instance-1",
		Status:       StatusOnline,
		Capabilities: []string{"transcribe"},
	}))
	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "engine-whisper-large",
		InstanceID: "instance-2",
		Status:     StatusOffline,
	}))

	live, err := r.ListLiveInstances(ctx, "engine-whisper-large")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "engine-whisper-large", live[0].EngineID)

	// Only the online instance should survive, carrying its capabilities.
	require.Equal(t, []string{"transcribe"}, live[0].Capabilities)
}

func TestPruneStaleInstanceRemovesInstanceAndEmptyEngine(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "engine-whisper-large",
		InstanceID: "instance-1",
		Status:     StatusOnline,
	}))

	require.NoError(t, r.PruneStaleInstance(ctx, "engine-whisper-large", "instance-1"))

	instances, err := r.ListInstances(ctx, "engine-whisper-large")
	require.NoError(t, err)
	require.Empty(t, instances)

	engines, err := r.ListEngines(ctx)
	require.NoError(t, err)
	require.NotContains(t, engines, "engine-whisper-large")
}

func TestInstanceExistsReflectsHeartbeatKeyPresence(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	exists, err := r.InstanceExists(ctx, "instance-1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "engine-whisper-large",
		InstanceID: "instance-1",
		Status:     StatusOnline,
	}))

	exists, err = r.InstanceExists(ctx, "instance-1")
	require.NoError(t, err)
	require.True(t, exists)
}
