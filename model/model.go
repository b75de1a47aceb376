// Package model defines the persistence-facing value types of the mirror:
// content rows identified by digest, the associations between them, tags and
// repository versions. Blob and Manifest rows are append-only and immutable
// once created; only tags move.
package model

import (
	"github.com/opencontainers/go-digest"
)

// Blob is a content-addressed binary layer or configuration payload. Exactly
// one row exists per digest; many manifests may reference the same blob.
type Blob struct {
	Digest    digest.Digest
	MediaType string
	Size      int64
}

// Platform describes where a listed image manifest is applicable.
type Platform struct {
	Architecture string
	OS           string
	OSVersion    string
	OSFeatures   []string
	Variant      string
	Features     []string
}

// Manifest is a stored image manifest or manifest list. Derived metadata is
// computed once from the manifest and configuration bodies when the row is
// created and cached here.
type Manifest struct {
	Digest        digest.Digest
	SchemaVersion int
	MediaType     string

	// ConfigBlob is the digest of the configuration blob, empty for
	// manifest lists and schema 1 manifests.
	ConfigBlob digest.Digest

	Architecture string
	OS           string
	Annotations  map[string]string
	Labels       map[string]string
	IsBootable   bool
	IsFlatpak    bool
}

// BlobLink associates a manifest with one of the blobs it references.
// Creation is idempotent; inserting the same link twice is a no-op.
type BlobLink struct {
	Manifest digest.Digest
	Blob     digest.Digest
}

// ListLink associates a manifest list with one of its listed image
// manifests, carrying the per-platform descriptor. Unique per (list, image)
// pair.
type ListLink struct {
	List     digest.Digest
	Manifest digest.Digest
	Platform Platform
}

// Tag is a mutable pointer from a name to a manifest. Names are not globally
// unique; within one repository version at most one tag per name exists.
type Tag struct {
	Name     string
	Manifest digest.Digest
}
