package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// Fake is an in-memory ArtifactStore. Both binaries wire it as their
// artifact store, and the handlers, scheduler, reconciler, consumer and
// adminapi tests use it in place of a real object store.
type Fake struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	transient map[string]bool
}

func NewFake() *Fake {
	return &Fake{blobs: make(map[string][]byte), transient: make(map[string]bool)}
}

func (f *Fake) PutJSON(_ context.Context, uri string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[uri] = b
	return nil
}

func (f *Fake) GetJSON(_ context.Context, uri string, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transient[uri] {
		return errTransient
	}
	b, ok := f.blobs[uri]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(b, dest)
}

func (f *Fake) Exists(_ context.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transient[uri] {
		return false, errTransient
	}
	_, ok := f.blobs[uri]
	return ok, nil
}

func (f *Fake) Delete(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transient[uri] {
		return errTransient
	}
	delete(f.blobs, uri)
	return nil
}

// SetTransientError makes subsequent calls for uri fail with a non-NotFound
// error, simulating the §4.7 step 2 "transient failure" case.
func (f *Fake) SetTransientError(uri string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transient[uri] = on
}

var errTransient = &transientError{}

type transientError struct{}

func (*transientError) Error() string { return "simulated transient storage error" }
