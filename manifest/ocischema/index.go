package ocischema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/manifest"
)

func init() {
	imageIndexFunc := func(b []byte) (mirror.Manifest, v1.Descriptor, error) {
		m := new(DeserializedImageIndex)
		if err := m.UnmarshalJSON(b); err != nil {
			return nil, v1.Descriptor{}, err
		}

		if m.MediaType != "" && m.MediaType != v1.MediaTypeImageIndex {
			return nil, v1.Descriptor{}, fmt.Errorf("if present, mediaType in image index should be '%s' not '%s'",
				v1.MediaTypeImageIndex, m.MediaType)
		}

		return m, v1.Descriptor{
			Digest:      digest.FromBytes(b),
			Size:        int64(len(b)),
			MediaType:   v1.MediaTypeImageIndex,
			Annotations: m.Annotations,
		}, nil
	}
	if err := mirror.RegisterManifestSchema(v1.MediaTypeImageIndex, imageIndexFunc); err != nil {
		panic(fmt.Sprintf("Unable to register OCI Image Index: %s", err))
	}
}

// ManifestDescriptor references a platform-specific manifest.
type ManifestDescriptor struct {
	v1.Descriptor

	// Platform specifies which platform the manifest pointed to by the
	// descriptor runs on.
	Platform *v1.Platform `json:"platform,omitempty"`
}

// ImageIndex references manifests for various platforms.
type ImageIndex struct {
	manifest.Versioned

	// Manifests references a list of manifests.
	Manifests []ManifestDescriptor `json:"manifests"`

	// Annotations is an optional field that contains arbitrary metadata
	// for the image index.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// References returns the descriptors of the referenced image manifests.
func (ii ImageIndex) References() []v1.Descriptor {
	dependencies := make([]v1.Descriptor, len(ii.Manifests))
	for i := range ii.Manifests {
		dependencies[i] = ii.Manifests[i].Descriptor
		dependencies[i].Platform = ii.Manifests[i].Platform
	}

	return dependencies
}

func (ii ImageIndex) validate() error {
	for _, desc := range ii.Manifests {
		if err := desc.Digest.Validate(); err != nil {
			return fmt.Errorf("indexed manifest digest: %w", err)
		}
	}
	return nil
}

// DeserializedImageIndex wraps ImageIndex with a copy of the original JSON.
type DeserializedImageIndex struct {
	ImageIndex

	// canonical is the canonical byte representation of the ImageIndex.
	canonical []byte
}

// FromDescriptors takes a slice of descriptors and a map of annotations and
// returns a DeserializedImageIndex which contains the resulting index and
// its JSON representation.
func FromDescriptors(descriptors []ManifestDescriptor, annotations map[string]string) (*DeserializedImageIndex, error) {
	m := ImageIndex{
		Versioned: manifest.Versioned{
			SchemaVersion: 2,
			MediaType:     v1.MediaTypeImageIndex,
		},
		Annotations: annotations,
	}

	m.Manifests = make([]ManifestDescriptor, len(descriptors))
	copy(m.Manifests, descriptors)

	deserialized := DeserializedImageIndex{
		ImageIndex: m,
	}

	var err error
	deserialized.canonical, err = json.MarshalIndent(&m, "", "   ")
	return &deserialized, err
}

// UnmarshalJSON populates a new ImageIndex struct from JSON data.
func (m *DeserializedImageIndex) UnmarshalJSON(b []byte) error {
	m.canonical = make([]byte, len(b))
	// store index in canonical
	copy(m.canonical, b)

	var index ImageIndex
	if err := json.Unmarshal(m.canonical, &index); err != nil {
		return err
	}

	if err := index.validate(); err != nil {
		return err
	}

	m.ImageIndex = index

	return nil
}

// MarshalJSON returns the contents of canonical. If canonical is empty,
// marshals the inner contents.
func (m *DeserializedImageIndex) MarshalJSON() ([]byte, error) {
	if len(m.canonical) > 0 {
		return m.canonical, nil
	}

	return nil, errors.New("JSON representation not initialized in DeserializedImageIndex")
}

// Payload returns the raw content of the image index. The contents can be
// used to calculate the content identifier.
func (m DeserializedImageIndex) Payload() (string, []byte, error) {
	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = v1.MediaTypeImageIndex
	}

	return mediaType, m.canonical, nil
}
