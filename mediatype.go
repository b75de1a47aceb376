package mirror

import (
	"encoding/json"
	"mime"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Media types understood by the mirror. Docker types are spelled out here;
// OCI types come from the image-spec module.
const (
	// MediaTypeSchema1Signed is the media type of the legacy signed
	// manifest produced and consumed in schema 1 exchanges.
	MediaTypeSchema1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"

	// MediaTypeSchema1 is the unsigned variant of the legacy manifest.
	MediaTypeSchema1 = "application/vnd.docker.distribution.manifest.v1+json"

	// MediaTypeSchema2 is the Docker image manifest, schema version 2.
	MediaTypeSchema2 = "application/vnd.docker.distribution.manifest.v2+json"

	// MediaTypeManifestList is the Docker multi-platform manifest list.
	MediaTypeManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	// MediaTypeOCIManifest and MediaTypeOCIIndex alias the OCI image-spec
	// constants so call sites can switch over a single package.
	MediaTypeOCIManifest = v1.MediaTypeImageManifest
	MediaTypeOCIIndex    = v1.MediaTypeImageIndex
)

// foreignLayerTypes enumerates layer media types whose content lives behind
// external URLs rather than in the source registry.
var foreignLayerTypes = map[string]struct{}{
	"application/vnd.docker.image.rootfs.foreign.diff.tar.gzip":    {},
	"application/vnd.oci.image.layer.nondistributable.v1.tar":      {},
	"application/vnd.oci.image.layer.nondistributable.v1.tar+gzip": {},
	"application/vnd.oci.image.layer.nondistributable.v1.tar+zstd": {},
}

// IsForeignLayer reports whether the media type denotes a foreign
// (non-distributable) layer.
func IsForeignLayer(mediaType string) bool {
	_, ok := foreignLayerTypes[mediaType]
	return ok
}

// Kind is the closed classification of a manifest body. A manifest either
// describes a single image or indexes other manifests; there is no third
// case and no manifest is both.
type Kind int

const (
	// KindImage is a single-platform image manifest.
	KindImage Kind = iota

	// KindList is a manifest list or OCI index.
	KindList
)

func (k Kind) String() string {
	if k == KindList {
		return "list"
	}
	return "image"
}

var manifestKinds = map[string]Kind{
	MediaTypeSchema1Signed: KindImage,
	MediaTypeSchema1:       KindImage,
	MediaTypeSchema2:       KindImage,
	MediaTypeOCIManifest:   KindImage,
	MediaTypeManifestList:  KindList,
	MediaTypeOCIIndex:      KindList,
}

// KindOf maps a manifest media type onto its Kind. Unknown media types are
// an error.
func KindOf(mediaType string) (Kind, error) {
	kind, ok := manifestKinds[mediaType]
	if !ok {
		return KindImage, ErrUnsupportedMediaType{MediaType: mediaType}
	}
	return kind, nil
}

// classificationProbe mirrors the fields consulted when a manifest body does
// not declare its own media type.
type classificationProbe struct {
	MediaType string `json:"mediaType"`
	Manifests []struct {
		MediaType string `json:"mediaType"`
	} `json:"manifests"`
	Config *struct {
		MediaType string `json:"mediaType"`
	} `json:"config"`
}

// Classify determines the media type and kind of a raw manifest body. The
// explicit mediaType field wins; the transport content type is consulted
// next; finally the structural shape of the document decides:
// a "manifests" array means a list (OCI index if any entry is OCI typed),
// a typed "config" entry means a schema 2 image, anything else is treated
// as a legacy signed schema 1 manifest.
func Classify(body []byte, contentType string) (string, Kind, error) {
	var probe classificationProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", KindImage, err
	}

	mediaType := probe.MediaType
	if mediaType == "" {
		mediaType = normalizeContentType(contentType)
	}

	if mediaType == "" || mediaType == "application/json" {
		mediaType = classifyByShape(probe)
	}

	kind, err := KindOf(mediaType)
	if err != nil {
		return "", KindImage, err
	}
	return mediaType, kind, nil
}

func classifyByShape(probe classificationProbe) string {
	if probe.Manifests != nil {
		for _, m := range probe.Manifests {
			if strings.HasPrefix(m.MediaType, "application/vnd.oci.") {
				return MediaTypeOCIIndex
			}
		}
		return MediaTypeManifestList
	}
	if probe.Config != nil && probe.Config.MediaType != "" {
		return MediaTypeSchema2
	}
	return MediaTypeSchema1Signed
}

// normalizeContentType strips parameters such as charset from a transport
// content type header. Malformed headers degrade to the empty string so
// classification falls through to the structural rules.
func normalizeContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mediaType
}
