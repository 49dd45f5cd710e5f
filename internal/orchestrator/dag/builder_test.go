package dag

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston-sub001/internal/catalog"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/platform/database"
)

func newJob(params models.JobParameters, meta models.AudioMetadata) *models.Job {
	return &models.Job{
		ID:            uuid.New(),
		Parameters:    database.NewJSONB(params),
		AudioMetadata: database.NewJSONB(meta),
	}
}

func stageSet(tasks []models.Task) map[string]models.Task {
	out := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		out[t.Stage] = t
	}
	return out
}

func TestBuildDefaultPipeline(t *testing.T) {
	b := NewBuilder(catalog.Default())
	job := newJob(models.JobParameters{ModelID: "whisper-large-v3"}, models.AudioMetadata{Channels: 1})

	tasks := b.Build(job)
	byStage := stageSet(tasks)

	assert.Contains(t, byStage, "prepare")
	assert.Contains(t, byStage, "transcribe")
	assert.Contains(t, byStage, "merge")
	assert.NotContains(t, byStage, "align")
	assert.NotContains(t, byStage, "diarize")

	merge := byStage["merge"]
	assert.Len(t, merge.Dependencies.Get(), 2) // prepare + transcribe
}

func TestBuildWordTimestampsAddsAlignUnlessNative(t *testing.T) {
	b := NewBuilder(catalog.Default())

	job := newJob(models.JobParameters{ModelID: "whisper-large-v3", TimestampsGranularity: "word"}, models.AudioMetadata{Channels: 1})
	byStage := stageSet(b.Build(job))
	assert.Contains(t, byStage, "align")

	nativeJob := newJob(models.JobParameters{ModelID: "dalston-turbo", TimestampsGranularity: "word"}, models.AudioMetadata{Channels: 1})
	byStageNative := stageSet(b.Build(nativeJob))
	assert.NotContains(t, byStageNative, "align")
}

func TestBuildDiarizeAddsParallelStageDependingOnPrepare(t *testing.T) {
	b := NewBuilder(catalog.Default())
	job := newJob(models.JobParameters{ModelID: "whisper-large-v3", SpeakerDetection: "diarize"}, models.AudioMetadata{Channels: 1})

	byStage := stageSet(b.Build(job))
	require.Contains(t, byStage, "diarize")

	diarize := byStage["diarize"]
	prepare := byStage["prepare"]
	deps := diarize.Dependencies.Get()
	require.Len(t, deps, 1)
	assert.Equal(t, prepare.ID, deps[0])

	merge := byStage["merge"]
	assert.Contains(t, merge.Dependencies.Get(), diarize.ID)
}

func TestBuildPerChannelFansOutTranscribeStages(t *testing.T) {
	b := NewBuilder(catalog.Default())
	job := newJob(models.JobParameters{ModelID: "whisper-large-v3", SpeakerDetection: "per_channel"}, models.AudioMetadata{Channels: 2})

	byStage := stageSet(b.Build(job))
	assert.Contains(t, byStage, "transcribe_ch0")
	assert.Contains(t, byStage, "transcribe_ch1")
	assert.NotContains(t, byStage, "transcribe")

	merge := byStage["merge"]
	deps := merge.Dependencies.Get()
	// prepare + transcribe_ch0 + transcribe_ch1
	assert.Len(t, deps, 3)
}

func TestBuildPerChannelDefaultsToTwoChannelsWhenMetadataMissing(t *testing.T) {
	b := NewBuilder(catalog.Default())
	job := newJob(models.JobParameters{ModelID: "whisper-large-v3", SpeakerDetection: "per_channel"}, models.AudioMetadata{Channels: 0})

	byStage := stageSet(b.Build(job))
	assert.Contains(t, byStage, "transcribe_ch0")
	assert.Contains(t, byStage, "transcribe_ch1")
	assert.NotContains(t, byStage, "transcribe_ch2")
}

func TestBuildPIIRedactionInsertsChainBeforeMerge(t *testing.T) {
	b := NewBuilder(catalog.Default())
	job := newJob(models.JobParameters{ModelID: "whisper-large-v3", PIIRedaction: true}, models.AudioMetadata{Channels: 1})

	byStage := stageSet(b.Build(job))
	require.Contains(t, byStage, "pii_detect")
	require.Contains(t, byStage, "audio_redact")

	redact := byStage["audio_redact"]
	pii := byStage["pii_detect"]
	deps := redact.Dependencies.Get()
	require.Len(t, deps, 1)
	assert.Equal(t, pii.ID, deps[0])

	merge := byStage["merge"]
	assert.Contains(t, merge.Dependencies.Get(), redact.ID)
}

func TestBuildEveryTaskIsPendingWithRetryBudget(t *testing.T) {
	b := NewBuilder(catalog.Default())
	job := newJob(models.JobParameters{ModelID: "whisper-large-v3"}, models.AudioMetadata{Channels: 1})

	for _, task := range b.Build(job) {
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.Equal(t, 2, task.MaxRetries)
		assert.Equal(t, job.ID, task.JobID)
	}
}
