// Package schema1 provides definitions for the legacy Docker Image Manifest
// v2, Schema 1 format, the signed representation some old clients still
// require. The mirror never stores schema 1 content it produced itself; the
// config builder re-derives it from schema 2 content at serve time.
package schema1

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/manifest"
)

const (
	// MediaTypeManifest specifies the mediaType for the unsigned manifest.
	// Note that for schema version 1, the media type is optionally
	// "application/json".
	MediaTypeManifest = "application/vnd.docker.distribution.manifest.v1+json"

	// MediaTypeSignedManifest specifies the mediatype for the signed
	// manifest.
	MediaTypeSignedManifest = "application/vnd.docker.distribution.manifest.v1+prettyjws"

	// MediaTypeManifestLayer specifies the media type for manifest layers.
	MediaTypeManifestLayer = "application/vnd.docker.container.image.rootfs.diff+x-gtar"
)

func init() {
	schema1Func := func(b []byte) (mirror.Manifest, v1.Descriptor, error) {
		sm := new(SignedManifest)
		if err := sm.UnmarshalJSON(b); err != nil {
			return nil, v1.Descriptor{}, err
		}

		desc := v1.Descriptor{
			MediaType: MediaTypeSignedManifest,
			Digest:    digest.FromBytes(sm.Canonical),
			Size:      int64(len(sm.Canonical)),
		}
		return sm, desc, nil
	}
	for _, mt := range []string{MediaTypeSignedManifest, MediaTypeManifest} {
		if err := mirror.RegisterManifestSchema(mt, schema1Func); err != nil {
			panic(fmt.Sprintf("Unable to register manifest: %s", err))
		}
	}
}

// FSLayer is a container struct for BlobSums defined in an image manifest.
type FSLayer struct {
	// BlobSum is the digest of the referenced filesystem image layer.
	BlobSum digest.Digest `json:"blobSum"`
}

// History stores unstructured v1 compatibility information.
type History struct {
	// V1Compatibility is the raw v1 compatibility information.
	V1Compatibility string `json:"v1Compatibility"`
}

// Manifest provides the base accessible fields for working with the schema 1
// image format.
type Manifest struct {
	manifest.Versioned

	// Name is the name of the image's repository.
	Name string `json:"name"`

	// Tag is the tag of the image specified by this manifest.
	Tag string `json:"tag"`

	// Architecture is the host architecture on which this image is
	// intended to run.
	Architecture string `json:"architecture"`

	// FSLayers is a list of filesystem layer blobSums contained in this
	// image, most recent layer first.
	FSLayers []FSLayer `json:"fsLayers"`

	// History is a list of unstructured historical data for v1
	// compatibility, parallel to FSLayers.
	History []History `json:"history"`
}

// SignedManifest provides an envelope for a signed image manifest, including
// the format sensitive raw bytes.
type SignedManifest struct {
	Manifest

	// Canonical is the canonical byte representation of the manifest,
	// without any attached signatures. The digest of a schema 1 manifest
	// is always computed over these bytes.
	Canonical []byte `json:"-"`

	// all contains the byte representation of the manifest including
	// signatures and is returned by Payload().
	all []byte
}

// UnmarshalJSON populates a new SignedManifest struct from JSON data.
func (sm *SignedManifest) UnmarshalJSON(b []byte) error {
	sm.all = make([]byte, len(b))
	// store manifest and signatures in all
	copy(sm.all, b)

	canonical, err := Payload(b)
	if err != nil {
		return err
	}

	// sm.Canonical stores the canonical manifest JSON
	sm.Canonical = make([]byte, len(canonical))
	copy(sm.Canonical, canonical)

	var mfst Manifest
	if err := json.Unmarshal(sm.Canonical, &mfst); err != nil {
		return err
	}

	if mfst.SchemaVersion != 1 {
		return fmt.Errorf("manifest schemaVersion should be 1 not %d", mfst.SchemaVersion)
	}
	if len(mfst.FSLayers) != len(mfst.History) {
		return fmt.Errorf("manifest has %d fsLayers but %d history entries", len(mfst.FSLayers), len(mfst.History))
	}
	for _, fsLayer := range mfst.FSLayers {
		if err := fsLayer.BlobSum.Validate(); err != nil {
			return fmt.Errorf("manifest fsLayer blobSum: %w", err)
		}
	}

	sm.Manifest = mfst

	return nil
}

// References returns the descriptors of this manifests references.
func (sm SignedManifest) References() []v1.Descriptor {
	dependencies := make([]v1.Descriptor, len(sm.FSLayers))
	for i, fsLayer := range sm.FSLayers {
		dependencies[i] = v1.Descriptor{
			MediaType: MediaTypeManifestLayer,
			Digest:    fsLayer.BlobSum,
		}
	}

	return dependencies
}

// MarshalJSON returns the contents of all. If all is empty, marshals the
// inner contents. Applications requiring a marshaled signed manifest should
// use Payload directly, since content produced by json.Marshal is compacted
// and fails signature checks.
func (sm *SignedManifest) MarshalJSON() ([]byte, error) {
	if len(sm.all) > 0 {
		return sm.all, nil
	}

	// If the raw data is not available, just dump the inner content.
	return json.Marshal(&sm.Manifest)
}

// Payload returns the signed content of the signed manifest.
func (sm SignedManifest) Payload() (string, []byte, error) {
	return MediaTypeSignedManifest, sm.all, nil
}
