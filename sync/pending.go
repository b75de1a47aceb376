package sync

import (
	"context"
	stdsync "sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/model"
)

// Future is a resolve-once cell holding the storage-identified manifest row
// a pending record will eventually map to. A tag's target manifest and a
// list's listed manifests are referenced before their rows exist (they may
// be deduplicated against already-stored content), so dependents suspend on
// the future instead of reading a field directly.
type Future struct {
	once     stdsync.Once
	done     chan struct{}
	manifest *model.Manifest
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve publishes the final row. Resolving twice is a no-op; the first
// value wins.
func (f *Future) resolve(m *model.Manifest) {
	f.once.Do(func() {
		f.manifest = m
		close(f.done)
	})
}

// Get blocks until the future is resolved or the context is canceled.
func (f *Future) Get(ctx context.Context) (*model.Manifest, error) {
	select {
	case <-f.done:
		return f.manifest, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingManifest is a manifest discovered in this run whose content row may
// or may not exist yet.
type PendingManifest struct {
	// ID correlates log lines and batch bookkeeping for this record.
	ID uuid.UUID

	Digest        digest.Digest
	MediaType     string
	Kind          mirror.Kind
	SchemaVersion int

	// Body is the exact downloaded bytes, persisted as the manifest's
	// backing artifact.
	Body []byte

	// Platform and List are set on manifests discovered through a
	// manifest list; Platform is the descriptor the list advertised.
	Platform *model.Platform
	List     *PendingManifest

	Blobs []*PendingBlob

	// Future resolves to the final content row once the interrelation
	// stage has run.
	Future *Future

	row *model.Manifest
}

// PendingBlob is a blob referenced by a manifest in this run.
type PendingBlob struct {
	ID uuid.UUID

	Digest    digest.Digest
	MediaType string
	Size      int64

	// Config marks the blob as the owning manifest's configuration.
	Config bool

	// Deferred blobs get a content row but no downloaded artifact.
	Deferred bool

	Owner *PendingManifest

	row *model.Blob
}

// PendingTag pairs a tag name with the pending manifest it will point at.
// The tag row is only materialized after the manifest future resolves.
type PendingTag struct {
	Name     string
	Manifest *PendingManifest
}

// item is the unit flowing through the stage queues.
type item struct {
	tag      *PendingTag
	manifest *PendingManifest
}
