package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveByCanonicalID(t *testing.T) {
	c := Default()

	entry, ok := c.Resolve("whisper-large-v3")
	require.True(t, ok)
	assert.Equal(t, "engine-whisper-large", entry.Runtime)
}

func TestResolveByAliasIsCaseInsensitive(t *testing.T) {
	c := Default()

	entry, ok := c.Resolve("  Turbo ")
	require.True(t, ok)
	assert.Equal(t, "engine-dalston-turbo", entry.Runtime)
	assert.True(t, entry.NativeWordTimestamps)
}

func TestResolveUnknownFallsBackToDefault(t *testing.T) {
	c := Default()

	entry, ok := c.Resolve("not-a-real-model")
	assert.False(t, ok)
	assert.Equal(t, DefaultFallback.Runtime, entry.Runtime)
}

func TestResolveEmptyFallsBackWithoutLookup(t *testing.T) {
	c := Default()

	entry, ok := c.Resolve("")
	assert.False(t, ok)
	assert.Equal(t, DefaultFallback.Runtime, entry.Runtime)
}

func TestResolveByCapability(t *testing.T) {
	c := Default()

	entry, ok := c.ResolveByCapability("diarize")
	require.True(t, ok)
	assert.Equal(t, "engine-diarize-pyannote", entry.Runtime)
}

func TestHasCapableLiveInstance(t *testing.T) {
	c := Default()

	instances := []InstanceCapabilities{
		{InstanceID: "i1", Capabilities: []string{"transcribe"}},
		{InstanceID: "i2", Capabilities: []string{"align"}},
	}

	ok, err := c.HasCapableLiveInstance(instances, "align")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasCapableLiveInstance(instances, "diarize")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasCapableLiveInstanceNoInstances(t *testing.T) {
	c := Default()

	ok, err := c.HasCapableLiveInstance(nil, "transcribe")
	require.NoError(t, err)
	assert.False(t, ok)
}
