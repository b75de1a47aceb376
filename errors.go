package mirror

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrNoAcceptableRepresentation is returned when a manifest cannot be
// rendered in any representation acceptable to the client. Conversion
// failures are folded into this error so that internal digest
// reconstruction details never reach the caller.
var ErrNoAcceptableRepresentation = errors.New("no acceptable representation of the manifest is available")

// ErrTagUnknown is returned if the given tag is not known by the tag service.
type ErrTagUnknown struct {
	Tag string
}

func (err ErrTagUnknown) Error() string {
	return fmt.Sprintf("unknown tag=%s", err.Tag)
}

// ErrManifestUnknown is returned when a manifest is not found by digest.
type ErrManifestUnknown struct {
	Digest digest.Digest
}

func (err ErrManifestUnknown) Error() string {
	return fmt.Sprintf("unknown manifest digest=%s", err.Digest)
}

// ErrBlobUnknown is returned when a blob is not found by digest.
type ErrBlobUnknown struct {
	Digest digest.Digest
}

func (err ErrBlobUnknown) Error() string {
	return fmt.Sprintf("unknown blob digest=%s", err.Digest)
}

// ErrUnsupportedMediaType is returned when a manifest body carries a media
// type the mirror does not understand. Unknown media types are a hard
// failure, never a silent pass-through.
type ErrUnsupportedMediaType struct {
	MediaType string
}

func (err ErrUnsupportedMediaType) Error() string {
	return fmt.Sprintf("unsupported manifest media type %q", err.MediaType)
}

// ErrConversion is returned when a manifest cannot be structurally converted
// to the requested schema, for example when it references a foreign layer
// that has no legacy representation.
type ErrConversion struct {
	Reason string
}

func (err ErrConversion) Error() string {
	return fmt.Sprintf("manifest cannot be converted: %s", err.Reason)
}
