// Package enginesdk documents the Engine Runner SDK's contract with the
// core (spec §1 "Engine worker implementations... Only its contract with
// the core is in scope"; §6 "Core -> engines"). It defines the interfaces a
// worker-side loop implements against the Task Queue and Event Bus; the
// transcribe/align/diarize/merge processing logic itself is an external
// collaborator and is intentionally not implemented here.
package enginesdk

import (
	"context"
	"time"
)

// TaskInput is what a worker reads after claiming a queue message: the
// task's resolved input artifact (spec §4.5 "Input resolution").
type TaskInput struct {
	TaskID      string
	JobID       string
	Stage       string
	InputURI    string
	Config      map[string]any
	RequestID   string
	TimeoutAt   time.Time
}

// TaskOutcome is what a worker reports back on completion or failure.
// OutputURI must be the deterministic "dalston/outputs/{task_id}.json"
// location the reconciler's orphan check (spec §4.7 step 2) expects to
// find an artifact at if the task.completed event itself is ever lost.
type TaskOutcome struct {
	OutputURI string // set on success
	Error     string // set on failure
}

// Processor is implemented by a concrete engine (transcribe/align/diarize/
// merge); the core never calls this directly, but it is the shape every
// worker-side Runner below is built to drive.
type Processor interface {
	Process(ctx context.Context, input TaskInput) (TaskOutcome, error)
}

// Runner is the worker-side loop contract: consume from one stage's stream,
// publish task.started immediately after claim, run the Processor, publish
// task.completed/task.failed, and ack only after the terminal event is
// published (spec §6 "Core -> engines"; §9 "write-to-DB before publish" is
// the core's own rule — the runner's symmetric rule is ack-after-publish).
type Runner interface {
	// ConsumerID returns "{engine_id}-{instance_id_suffix}" (spec §6), the
	// identity this runner reads the stage stream as.
	ConsumerID() string
	// Run blocks, processing tasks until ctx is cancelled.
	Run(ctx context.Context) error
}

// HeartbeatSender is the subset of the Engine Registry contract (§4.1) a
// runner depends on to stay alive in the registry.
type HeartbeatSender interface {
	Heartbeat(ctx context.Context, instanceID string, status string) error
}
