package model

import (
	"time"

	"github.com/opencontainers/go-digest"

	mirror "github.com/ocimirror/ocimirror"
)

// RepositoryVersion is an immutable snapshot of the content reachable from a
// repository at a point in time. Versions are built as an addition/removal
// delta over their predecessor and are only ever observed committed.
type RepositoryVersion struct {
	Repository string
	Number     int
	CreatedAt  time.Time

	// Tags maps tag names to manifest digests. The builder enforces that
	// at most one tag per name survives finalization.
	Tags map[string]digest.Digest

	Manifests map[digest.Digest]struct{}
	Blobs     map[digest.Digest]struct{}
}

// Target resolves a tag name to the manifest digest it points at, returning
// mirror.ErrTagUnknown when the version does not carry the tag. Safe on a
// nil version, so callers need not special-case repositories that were never
// synchronized.
func (v *RepositoryVersion) Target(tag string) (digest.Digest, error) {
	if v != nil {
		if dgst, ok := v.Tags[tag]; ok {
			return dgst, nil
		}
	}
	return "", mirror.ErrTagUnknown{Tag: tag}
}

// HasManifest reports whether the version contains the manifest.
func (v *RepositoryVersion) HasManifest(dgst digest.Digest) bool {
	_, ok := v.Manifests[dgst]
	return ok
}

// HasBlob reports whether the version contains the blob.
func (v *RepositoryVersion) HasBlob(dgst digest.Digest) bool {
	_, ok := v.Blobs[dgst]
	return ok
}
