// Package orcherr defines the structured error payloads the orchestrator
// writes into Job.Error/Task.Error for failures that cross the §6 boundary
// (engine-unavailable, orphaned, reconcile-exhausted). Supplemented from
// original_source/dalston/common/durable_events.py's error envelope shape
// (kind, engine_id, stage, requirements), reimplemented in Go rather than
// translated, per SPEC_FULL.md.
package orcherr

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates the structured error categories §7 calls out by name.
type Kind string

const (
	KindEngineUnavailable    Kind = "engine_unavailable"
	KindOrphaned             Kind = "orphaned"
	KindReconcileExhausted   Kind = "reconcile_check_exhausted"
	KindCancelled            Kind = "cancelled"
)

// Error is the structured payload serialized into a string error column
// (spec §7 "a failed job exposes its error string, which may be a
// JSON-serialized structured error for engine issues").
type Error struct {
	Kind         Kind     `json:"kind"`
	EngineID     string   `json:"engine_id,omitempty"`
	Stage        string   `json:"stage,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// String renders the structured error as JSON, falling back to Message
// alone if marshaling somehow fails.
func (e Error) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return e.Message
	}
	return string(b)
}

// EngineUnavailable builds the §7 "Engine-unavailable at enqueue time" error.
func EngineUnavailable(engineID, stage string, requirements []string) Error {
	return Error{
		Kind:         KindEngineUnavailable,
		EngineID:     engineID,
		Stage:        stage,
		Requirements: requirements,
		Message:      "no capable live engine instance for stage " + stage,
	}
}

// Orphaned builds the §4.7 step 2 "artifact absent" error.
func Orphaned(stage string) Error {
	return Error{Kind: KindOrphaned, Stage: stage, Message: "orphaned"}
}

// ReconcileExhausted builds the escalation error for the open question in
// §9 ("persistently-transient orphan checks"), resolved in SPEC_FULL.md's
// Open Questions section as a bounded consecutive-failure counter.
func ReconcileExhausted(stage string, attempts int) Error {
	return Error{
		Kind:    KindReconcileExhausted,
		Stage:   stage,
		Message: fmt.Sprintf("artifact check failed on %d consecutive sweeps", attempts),
	}
}

// Cancelled is the fixed, human-facing message a cancelled job exposes
// (spec §7 "a cancelled job exposes 'Job cancelled'").
const Cancelled = "Job cancelled"
