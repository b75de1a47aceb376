// Package storage declares the store contracts the synchronization pipeline
// and the serving path are written against. Persistence itself is an
// external collaborator; the only implementation in this repository is the
// in-memory reference store under storage/inmemory.
package storage

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/ocimirror/ocimirror/model"
)

// Store provides digest-unique content rows, raw artifact bytes, and
// batched, idempotent association writes.
type Store interface {
	// Blobs returns the subset of the given digests that already have
	// blob rows, keyed by digest. Dedup queries are issued per batch.
	Blobs(ctx context.Context, dgsts []digest.Digest) (map[digest.Digest]*model.Blob, error)

	// Manifests is the manifest-row counterpart of Blobs.
	Manifests(ctx context.Context, dgsts []digest.Digest) (map[digest.Digest]*model.Manifest, error)

	// PutBlob creates the blob row if absent. When a concurrent writer
	// won the uniqueness race the existing row is returned; this is
	// never an error.
	PutBlob(ctx context.Context, b *model.Blob) (*model.Blob, error)

	// PutManifest creates the manifest row if absent, with the same
	// conflict semantics as PutBlob.
	PutManifest(ctx context.Context, m *model.Manifest) (*model.Manifest, error)

	// Manifest returns the manifest row for the digest, or
	// mirror.ErrManifestUnknown.
	Manifest(ctx context.Context, dgst digest.Digest) (*model.Manifest, error)

	// PutArtifact stores the raw bytes backing a content row, keyed by
	// digest.
	PutArtifact(ctx context.Context, dgst digest.Digest, data []byte) error

	// Artifact returns the raw bytes stored for the digest, or
	// mirror.ErrBlobUnknown.
	Artifact(ctx context.Context, dgst digest.Digest) ([]byte, error)

	// LinkBlobs inserts manifest-to-blob associations with
	// insert-or-ignore semantics. Callers chunk large batches.
	LinkBlobs(ctx context.Context, links []model.BlobLink) error

	// LinkListManifests inserts list-to-manifest associations with
	// insert-or-ignore semantics, one per (list, image) pair.
	LinkListManifests(ctx context.Context, links []model.ListLink) error

	// SetConfigBlobs updates the config blob reference of each manifest
	// row in the batch.
	SetConfigBlobs(ctx context.Context, refs map[digest.Digest]digest.Digest) error

	// ListManifests returns the listed-manifest associations owned by a
	// manifest list.
	ListManifests(ctx context.Context, list digest.Digest) ([]model.ListLink, error)
}

// Versions provides the snapshot primitive: read the current repository
// version and stage a new one.
type Versions interface {
	// Version returns the latest committed version of the repository, or
	// nil when none exists yet.
	Version(ctx context.Context, repository string) (*model.RepositoryVersion, error)

	// NewVersion opens an editor for the next version. With retain set,
	// the editor starts from the current version's content (additive
	// mode); otherwise it starts empty (mirror mode).
	NewVersion(ctx context.Context, repository string, retain bool) (VersionEditor, error)
}

// VersionEditor stages content for a repository version. Commit validates
// tag uniqueness and publishes the version atomically; an abandoned editor
// leaves no trace.
type VersionEditor interface {
	AddBlob(dgst digest.Digest)
	AddManifest(dgst digest.Digest)

	// AddTag stages a tag, replacing any previously staged or retained
	// tag of the same name in the same commit.
	AddTag(tag model.Tag)

	RemoveTag(name string)

	// Commit publishes the staged version. Duplicate tag names are
	// reconciled deterministically before the version becomes visible.
	Commit(ctx context.Context) (*model.RepositoryVersion, error)
}
