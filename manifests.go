package mirror

import (
	"fmt"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest represents a registry object specifying a set of references and
// an optional target. The mirror never interprets manifest bodies through
// this interface alone; format specific behavior lives in the manifest
// subpackages.
type Manifest interface {
	// References returns a list of objects which make up this manifest.
	// A reference is anything which can be represented by a descriptor.
	References() []v1.Descriptor

	// Payload provides the serialized format of the manifest, in addition
	// to the media type.
	Payload() (mediaType string, payload []byte, err error)
}

// UnmarshalFunc implements manifest unmarshalling for a given media type.
type UnmarshalFunc func([]byte) (Manifest, v1.Descriptor, error)

var mappings = make(map[string]UnmarshalFunc)

// UnmarshalManifest looks up the correct unmarshal function for the manifest
// body, classifying it by the declared mediaType field, the transport
// content type, or its structural shape, in that order.
func UnmarshalManifest(contentType string, p []byte) (Manifest, v1.Descriptor, error) {
	mediaType, _, err := Classify(p, contentType)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}

	unmarshalFunc, ok := mappings[mediaType]
	if !ok {
		return nil, v1.Descriptor{}, ErrUnsupportedMediaType{MediaType: mediaType}
	}

	return unmarshalFunc(p)
}

// RegisterManifestSchema registers an UnmarshalFunc for a given schema type.
// This should be called from specific manifest subpackages during init().
func RegisterManifestSchema(mediaType string, u UnmarshalFunc) error {
	if _, ok := mappings[mediaType]; ok {
		return fmt.Errorf("manifest media type registration would overwrite existing: %s", mediaType)
	}
	mappings[mediaType] = u
	return nil
}
