// Package dag implements the DAG Builder (spec §4.4): translates a job's
// parameters into a partially-ordered set of tasks with engine assignments
// and config, per the pipeline shapes spec §4.4 enumerates (default,
// diarize, per-channel, with optional PII stages).
package dag

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/catalog"
	"github.com/ssarunic/dalston-sub001/internal/models"
	"github.com/ssarunic/dalston-sub001/internal/platform/database"
)

// Builder constructs a job's task DAG against a model catalog.
type Builder struct {
	catalog *catalog.Catalog
}

func NewBuilder(cat *catalog.Catalog) *Builder {
	return &Builder{catalog: cat}
}

// node is the builder's working representation of one task before it is
// flattened into models.Task; dependencies are tracked by node pointer so
// edges never need a second lookup pass (spec §9 "builder guarantees
// acyclicity by construction").
type node struct {
	id       uuid.UUID
	stage    string
	engineID string
	config   models.TaskConfig
	required bool
	deps     []*node
}

// Build assembles the DAG for a job (spec §4.4). It never returns an error
// for a missing live engine — capability/liveness is verified at enqueue
// time by the scheduler (spec §4.5), not here.
func (b *Builder) Build(job *models.Job) []models.Task {
	params := job.Parameters.Get()
	meta := job.AudioMetadata.Get()

	channels := 1
	perChannel := params.SpeakerDetection == "per_channel"
	if perChannel {
		channels = meta.Channels
		if channels < 2 {
			channels = 2
		}
	}

	transcribeEntry, _ := b.catalog.Resolve(params.ModelID)
	needsAlign := params.TimestampsGranularity == "word" && !transcribeEntry.NativeWordTimestamps

	prepare := &node{
		id:       uuid.New(),
		stage:    "prepare",
		engineID: b.resolveEngine("prepare"),
		required: true,
	}
	if perChannel {
		prepare.config.Extra = map[string]any{"split_channels": true, "channel_count": channels}
	}

	var nodes []*node
	nodes = append(nodes, prepare)

	var mergeDeps []*node

	if perChannel {
		for ch := 0; ch < channels; ch++ {
			tr := b.transcribeNode(transcribeEntry, params, ch)
			tr.deps = []*node{prepare}
			nodes = append(nodes, tr)

			preMerge := tr
			if needsAlign {
				al := b.alignNode(ch)
				al.deps = []*node{tr}
				nodes = append(nodes, al)
				preMerge = al
			}
			preMerge = b.appendPIIChain(&nodes, preMerge, params, ch)
			mergeDeps = append(mergeDeps, preMerge)
		}
	} else {
		tr := b.transcribeNode(transcribeEntry, params, -1)
		tr.deps = []*node{prepare}
		nodes = append(nodes, tr)

		preMerge := tr
		if needsAlign {
			al := b.alignNode(-1)
			al.deps = []*node{tr}
			nodes = append(nodes, al)
			preMerge = al
		}
		preMerge = b.appendPIIChain(&nodes, preMerge, params, -1)
		mergeDeps = append(mergeDeps, preMerge)
	}

	if params.SpeakerDetection == "diarize" {
		dz := &node{
			id:       uuid.New(),
			stage:    "diarize",
			engineID: b.resolveEngine("diarize"),
			required: !params.DiarizeOptional,
			deps:     []*node{prepare},
		}
		dz.config.NumSpeakers = params.NumSpeakers
		dz.config.MinSpeakers = params.MinSpeakers
		dz.config.MaxSpeakers = params.MaxSpeakers
		nodes = append(nodes, dz)
		mergeDeps = append(mergeDeps, dz)
	}

	// merge always depends on prepare plus every terminal pre-merge task
	// (spec §4.4 "merge always depends on prepare plus every terminal
	// pre-merge task in the graph").
	merge := &node{
		id:       uuid.New(),
		stage:    "merge",
		engineID: b.resolveEngine("merge"),
		required: true,
		deps:     append([]*node{prepare}, mergeDeps...),
	}
	nodes = append(nodes, merge)

	return flatten(job.ID, nodes)
}

func (b *Builder) transcribeNode(entry catalog.Entry, params models.JobParameters, channel int) *node {
	stage := "transcribe"
	if channel >= 0 {
		stage = stageName("transcribe", channel)
	}
	n := &node{
		id:       uuid.New(),
		stage:    stage,
		engineID: entry.Runtime,
		required: true,
	}
	n.config.RuntimeModelID = entry.RuntimeModelID
	if channel >= 0 {
		ch := channel
		n.config.ChannelIndex = &ch
	}
	return n
}

func (b *Builder) alignNode(channel int) *node {
	stage := "align"
	if channel >= 0 {
		stage = stageName("align", channel)
	}
	n := &node{
		id:       uuid.New(),
		stage:    stage,
		engineID: b.resolveEngine("align"),
		required: true,
	}
	if channel >= 0 {
		ch := channel
		n.config.ChannelIndex = &ch
	}
	return n
}

// appendPIIChain optionally inserts pii_detect_ch{N} -> audio_redact_ch{N}
// between the current pre-merge node and merge (spec §4.4 per-channel
// "Optional PII stages add pii_detect_ch{N} and audio_redact_ch{N}").
func (b *Builder) appendPIIChain(nodes *[]*node, prev *node, params models.JobParameters, channel int) *node {
	if !params.PIIRedaction {
		return prev
	}
	piiStage := "pii_detect"
	redactStage := "audio_redact"
	if channel >= 0 {
		piiStage = stageName("pii_detect", channel)
		redactStage = stageName("audio_redact", channel)
	}

	pii := &node{id: uuid.New(), stage: piiStage, engineID: b.resolveEngine("pii_detect"), required: true, deps: []*node{prev}}
	redact := &node{id: uuid.New(), stage: redactStage, engineID: b.resolveEngine("audio_redact"), required: true, deps: []*node{pii}}
	if channel >= 0 {
		ch := channel
		pii.config.ChannelIndex = &ch
		redact.config.ChannelIndex = &ch
	}
	*nodes = append(*nodes, pii, redact)
	return redact
}

func (b *Builder) resolveEngine(capability string) string {
	entry, _ := b.catalog.ResolveByCapability(capability)
	return entry.Runtime
}

func stageName(base string, channel int) string {
	return base + "_ch" + strconv.Itoa(channel)
}

func flatten(jobID uuid.UUID, nodes []*node) []models.Task {
	tasks := make([]models.Task, 0, len(nodes))
	for _, n := range nodes {
		depIDs := make([]uuid.UUID, 0, len(n.deps))
		for _, d := range n.deps {
			depIDs = append(depIDs, d.id)
		}
		tasks = append(tasks, models.Task{
			ID:           n.id,
			JobID:        jobID,
			Stage:        n.stage,
			EngineID:     n.engineID,
			Status:       models.TaskStatusPending,
			Dependencies: database.NewJSONB(depIDs),
			Config:       database.NewJSONB(n.config),
			Required:     n.required,
			MaxRetries:   2,
		})
	}
	return tasks
}
