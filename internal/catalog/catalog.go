// Package catalog resolves a user-facing model id to the runtime (engine_id)
// and capabilities the DAG builder needs (spec §4.4 "Model / engine
// selection resolves through a catalog"). Supplemented from
// original_source/dalston/orchestrator/dag.py's static alias table, per
// SPEC_FULL.md's SUPPLEMENTED FEATURES section; reimplemented here as a Go
// in-memory table behind a narrow lookup interface so a DB-backed catalog
// could be swapped in without touching the DAG builder.
package catalog

import (
	"strings"

	"github.com/ssarunic/dalston-sub001/internal/platform/exprmatch"
)

// Entry describes one model the catalog can resolve to a runtime.
type Entry struct {
	ModelID              string
	Aliases              []string
	Runtime              string // engine_id placed on the transcribe task
	RuntimeModelID        string // placed into the task's config, if non-empty
	NativeWordTimestamps bool   // causes the align stage to be skipped regardless of granularity
	Capabilities         []string
}

// Catalog is a lookup table from user-facing model id (alias or canonical)
// to a resolved Entry.
type Catalog struct {
	byID    map[string]Entry
	fallback Entry
	eval    *exprmatch.Evaluator
}

// DefaultFallback is used when capability-driven selection cannot satisfy
// the request (spec §4.4 "Fallback"): a hardcoded engine id known to accept
// any default transcription job.
var DefaultFallback = Entry{
	ModelID: "default",
	Runtime: "engine-whisper-default",
}

// New builds a catalog from entries, indexing both canonical ids and aliases.
func New(entries []Entry) *Catalog {
	c := &Catalog{byID: make(map[string]Entry), fallback: DefaultFallback, eval: exprmatch.NewEvaluator()}
	for _, e := range entries {
		c.byID[normalize(e.ModelID)] = e
		for _, alias := range e.Aliases {
			c.byID[normalize(alias)] = e
		}
	}
	return c
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Default returns the catalog seeded from the orchestrator's built-in model
// table — the engines a fresh deployment ships with.
func Default() *Catalog {
	return New([]Entry{
		{
			ModelID:              "whisper-large-v3",
			Aliases:              []string{"whisper-large", "large"},
			Runtime:              "engine-whisper-large",
			Capabilities:         []string{"transcribe"},
			NativeWordTimestamps: false,
		},
		{
			ModelID:              "dalston-turbo",
			Aliases:              []string{"turbo", "fast"},
			Runtime:              "engine-dalston-turbo",
			RuntimeModelID:        "turbo-v2",
			Capabilities:         []string{"transcribe", "native_word_timestamps"},
			NativeWordTimestamps: true,
		},
		{
			ModelID:      "nova-2",
			Aliases:      []string{"nova"},
			Runtime:      "engine-nova",
			RuntimeModelID: "nova-2-general",
			Capabilities: []string{"transcribe"},
		},
		{
			ModelID:      "diarize-pyannote",
			Aliases:      []string{"diarize"},
			Runtime:      "engine-diarize-pyannote",
			Capabilities: []string{"diarize"},
		},
		{
			ModelID:      "align-wav2vec2",
			Aliases:      []string{"align"},
			Runtime:      "engine-align-wav2vec2",
			Capabilities: []string{"align"},
		},
		{
			ModelID:      "merge-default",
			Aliases:      []string{"merge"},
			Runtime:      "engine-merge",
			Capabilities: []string{"merge"},
		},
		{
			ModelID:      "prepare-default",
			Aliases:      []string{"prepare"},
			Runtime:      "engine-prepare",
			Capabilities: []string{"prepare"},
		},
		{
			ModelID:      "pii-detect-default",
			Aliases:      []string{"pii_detect"},
			Runtime:      "engine-pii-detect",
			Capabilities: []string{"pii_detect"},
		},
		{
			ModelID:      "audio-redact-default",
			Aliases:      []string{"audio_redact"},
			Runtime:      "engine-audio-redact",
			Capabilities: []string{"audio_redact"},
		},
	})
}

// Resolve looks a user-facing model id up, falling back to
// DefaultFallback when the id is empty or unknown (spec §4.4 Fallback).
func (c *Catalog) Resolve(modelID string) (Entry, bool) {
	if modelID == "" {
		return c.fallback, false
	}
	if e, ok := c.byID[normalize(modelID)]; ok {
		return e, true
	}
	return c.fallback, false
}

// ResolveByCapability returns a catalog entry declaring the requested
// capability, used to resolve fixed-function stages (diarize, align, merge,
// prepare) that aren't selected by user-facing model id. When several
// entries declare it, which one is returned is not defined.
func (c *Catalog) ResolveByCapability(capability string) (Entry, bool) {
	for _, e := range c.byID {
		for _, cap := range e.Capabilities {
			if cap == capability {
				return e, true
			}
		}
	}
	return c.fallback, false
}

// InstanceCapabilities is the minimal shape of a live engine instance the
// capability matcher needs — deliberately decoupled from registry.Record so
// this package doesn't import the registry.
type InstanceCapabilities struct {
	InstanceID   string   `json:"instance_id"`
	Capabilities []string `json:"capabilities"`
}

// HasCapableLiveInstance reports whether any of the given live instances
// declares the required capability, evaluated via JMESPath so the predicate
// is data-driven rather than a hand-rolled loop (spec §4.4/§4.5: "verified
// against a live engine that declares the required capabilities").
func (c *Catalog) HasCapableLiveInstance(instances []InstanceCapabilities, capability string) (bool, error) {
	docs := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		docs = append(docs, map[string]any{
			"instance_id":  inst.InstanceID,
			"capabilities": inst.Capabilities,
		})
	}
	expr := "[?contains(capabilities, '" + capability + "')]"
	matches, err := c.eval.EvaluateSlice(expr, docs)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}
