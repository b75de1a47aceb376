package schema1

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/manifest"
)

// EmptyLayerDigest is the well-known digest of the gzipped empty tar. History
// entries flagged as empty layers map to this digest in the reconstructed
// filesystem layer list; it never refers to a downloaded blob.
const EmptyLayerDigest = digest.Digest("sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4")

// configHistory is one entry of the image configuration's history list.
type configHistory struct {
	Created    string `json:"created,omitempty"`
	Author     string `json:"author,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// imageConfig carries the pieces of the image configuration the builder
// consumes.
type imageConfig struct {
	Architecture string          `json:"architecture"`
	OS           string          `json:"os"`
	History      []configHistory `json:"history"`
	RootFS       struct {
		DiffIDs []digest.Digest `json:"diff_ids"`
	} `json:"rootfs"`
}

// v1Compatibility is the synthesized legacy compatibility record embedded in
// each history entry.
type v1Compatibility struct {
	ID              string `json:"id"`
	Parent          string `json:"parent,omitempty"`
	Created         string `json:"created,omitempty"`
	ContainerConfig struct {
		Cmd []string `json:"Cmd"`
	} `json:"container_config"`
	Author    string `json:"author,omitempty"`
	ThrowAway bool   `json:"throwaway,omitempty"`
}

// ConfigManifestBuilder derives a legacy signed manifest from schema 2 style
// content: an image configuration and an ordered list of layer descriptors.
// The conversion is a single pass; it either produces a signed manifest or
// fails closed, and nothing it produces is ever persisted.
type ConfigManifestBuilder struct {
	name       string
	tag        string
	configJSON []byte
	layers     []v1.Descriptor
}

// NewConfigManifestBuilder returns a builder for the named repository and
// tag. configJSON must be the raw bytes of the image configuration blob.
func NewConfigManifestBuilder(name, tag string, configJSON []byte) *ConfigManifestBuilder {
	return &ConfigManifestBuilder{
		name:       name,
		tag:        tag,
		configJSON: configJSON,
	}
}

// AppendReference adds a layer descriptor to the builder, in the base to
// head order of the source manifest. Foreign layers have no legacy
// representation and fail the conversion before any signing occurs.
func (mb *ConfigManifestBuilder) AppendReference(d v1.Descriptor) error {
	if mirror.IsForeignLayer(d.MediaType) {
		return mirror.ErrConversion{Reason: fmt.Sprintf("foreign layer %s has no schema 1 representation", d.Digest)}
	}
	mb.layers = append(mb.layers, d)
	return nil
}

// layerSlot pairs a filesystem layer digest with the history entry that
// produced it. Slots are ordered most recent first, matching the fsLayers
// convention of schema 1.
type layerSlot struct {
	blobSum digest.Digest
	diffID  digest.Digest
	history configHistory
	empty   bool
}

// Build walks the configuration history and the appended layers in reverse,
// synthesizes the v1 compatibility chain, serializes the manifest into its
// canonical form and signs it with a freshly generated key. The published
// digest of the result is digest.FromBytes(sm.Canonical), computed over the
// pre-signature bytes.
func (mb *ConfigManifestBuilder) Build() (*SignedManifest, error) {
	var conf imageConfig
	if err := json.Unmarshal(mb.configJSON, &conf); err != nil {
		return nil, fmt.Errorf("parsing image configuration: %w", err)
	}

	history := conf.History
	if len(history) == 0 {
		// configurations without history get one synthetic entry per
		// layer so the chain is still well formed
		history = make([]configHistory, len(mb.layers))
	}

	slots, err := mb.buildLayerSlots(history, conf.RootFS.DiffIDs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(slots))
	for i, slot := range slots {
		ids[i] = layerID(slot.blobSum, slot.diffID, i)
	}

	m := Manifest{
		Versioned:    manifest.Versioned{SchemaVersion: 1},
		Name:         mb.name,
		Tag:          mb.tag,
		Architecture: conf.Architecture,
		FSLayers:     make([]FSLayer, len(slots)),
		History:      make([]History, len(slots)),
	}

	// Synthesize compatibility records oldest first so every parent id
	// exists before its child references it. The most recent record
	// additionally inlines the configuration body.
	for i := len(slots) - 1; i >= 0; i-- {
		slot := slots[i]
		parent := ""
		if i < len(slots)-1 {
			parent = ids[i+1]
		}

		var compat []byte
		if i == 0 {
			compat, err = mb.inlineConfigRecord(ids[i], parent, slot)
		} else {
			compat, err = chainRecord(ids[i], parent, slot)
		}
		if err != nil {
			return nil, err
		}

		m.FSLayers[i] = FSLayer{BlobSum: slot.blobSum}
		m.History[i] = History{V1Compatibility: string(compat)}
	}

	canonical, err := canonicalJSON(&m)
	if err != nil {
		return nil, err
	}

	// a fresh key per conversion; the digest does not depend on it
	pk, err := libtrust.GenerateECP256PrivateKey()
	if err != nil {
		return nil, err
	}

	return Sign(canonical, m, pk)
}

// buildLayerSlots pairs history entries with layer digests, walking both in
// reverse. Empty history entries map to the well-known empty layer digest
// and do not consume a layer slot.
func (mb *ConfigManifestBuilder) buildLayerSlots(history []configHistory, diffIDs []digest.Digest) ([]layerSlot, error) {
	slots := make([]layerSlot, 0, len(history))
	layerIdx := len(mb.layers) - 1
	diffIdx := len(diffIDs) - 1

	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.EmptyLayer {
			slots = append(slots, layerSlot{
				blobSum: EmptyLayerDigest,
				history: h,
				empty:   true,
			})
			continue
		}

		if layerIdx < 0 {
			return nil, mirror.ErrConversion{Reason: "image configuration history references more layers than the manifest provides"}
		}

		slot := layerSlot{
			blobSum: mb.layers[layerIdx].Digest,
			history: h,
		}
		if diffIdx >= 0 {
			slot.diffID = diffIDs[diffIdx]
			diffIdx--
		}
		slots = append(slots, slot)
		layerIdx--
	}

	return slots, nil
}

// layerID derives a stable legacy layer id. The zero padded position keeps
// ids distinct even when the same empty layer digest occurs several times.
func layerID(blobSum, diffID digest.Digest, index int) string {
	h := sha256.New()
	h.Write([]byte(blobSum.String()))
	h.Write([]byte(diffID.String()))
	fmt.Fprintf(h, "%06d", index)
	return hex.EncodeToString(h.Sum(nil))
}

// chainRecord synthesizes the compatibility record for a non-final layer.
func chainRecord(id, parent string, slot layerSlot) ([]byte, error) {
	record := v1Compatibility{
		ID:        id,
		Parent:    parent,
		Created:   slot.history.Created,
		Author:    slot.history.Author,
		ThrowAway: slot.empty,
	}
	record.ContainerConfig.Cmd = []string{slot.history.CreatedBy}
	return json.Marshal(&record)
}

// inlineConfigRecord synthesizes the most recent compatibility record, which
// carries the full configuration body minus its history and rootfs sections.
func (mb *ConfigManifestBuilder) inlineConfigRecord(id, parent string, slot layerSlot) ([]byte, error) {
	var record map[string]interface{}
	if err := json.Unmarshal(mb.configJSON, &record); err != nil {
		return nil, err
	}

	delete(record, "history")
	delete(record, "rootfs")
	record["id"] = id
	if parent != "" {
		record["parent"] = parent
	}
	if slot.empty {
		record["throwaway"] = true
	}

	return json.Marshal(record)
}
