// Package storage defines the narrow contract the scheduler and reconciler
// need from object storage (spec §1: "out of scope, treated as external
// collaborator"; SPEC_FULL.md "OBJECT STORAGE & ENGINE-RUNNER SDK"). Beside
// the interface the package holds Fake, an in-memory implementation that
// both binaries wire; there is no S3/GCS-backed implementation here.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetJSON when the artifact genuinely does
// not exist, distinct from a transient lookup failure (spec §4.7 step 2:
// "artifact present" vs "artifact absent" vs "transient failure").
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore is what the scheduler writes task input pointers to and the
// reconciler reads orphan-check output artifacts from.
type ArtifactStore interface {
	// PutJSON writes data as a JSON blob at uri, creating or overwriting it.
	PutJSON(ctx context.Context, uri string, data any) error
	// GetJSON reads the JSON blob at uri into dest. Returns ErrNotFound if
	// the artifact does not exist; any other error is treated as transient
	// by callers (spec §4.7 step 2 "transient failure... skip, retry next sweep").
	GetJSON(ctx context.Context, uri string, dest any) error
	// Exists is a lighter-weight presence check used by the reconciler's
	// orphan sweep: an absent artifact is (false, nil), and any error is
	// treated as transient.
	Exists(ctx context.Context, uri string) (bool, error)
	// Delete removes the artifact at uri, used by delete_job's purge (spec
	// §6). Deleting an already-absent artifact is not an error.
	Delete(ctx context.Context, uri string) error
}
