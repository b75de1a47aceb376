// Package converter renders stored manifests as signed schema 1 documents
// for clients that cannot consume schema 2 or OCI content. Conversion is a
// serve-time operation; nothing converted is ever written back to the store.
package converter

import (
	"context"
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/manifest/schema1"
	"github.com/ocimirror/ocimirror/model"
	"github.com/ocimirror/ocimirror/storage"
)

// Converter builds schema 1 representations out of stored content.
type Converter struct {
	store storage.Store
}

func New(store storage.Store) *Converter {
	return &Converter{store: store}
}

// ToSchema1 converts the manifest with the given digest, tagged as
// repository:tag, into a freshly signed schema 1 manifest. Manifest lists
// are narrowed to their linux/amd64 member first;
// mirror.ErrNoAcceptableRepresentation is returned when no such member
// exists.
func (c *Converter) ToSchema1(ctx context.Context, repository, tag string, dgst digest.Digest) (*schema1.SignedManifest, error) {
	row, err := c.store.Manifest(ctx, dgst)
	if err != nil {
		return nil, err
	}

	if kind, err := mirror.KindOf(row.MediaType); err == nil && kind == mirror.KindList {
		row, err = c.amd64Member(ctx, row.Digest)
		if err != nil {
			return nil, err
		}
	}

	body, err := c.store.Artifact(ctx, row.Digest)
	if err != nil {
		return nil, err
	}

	switch row.MediaType {
	case mirror.MediaTypeSchema1, mirror.MediaTypeSchema1Signed:
		var sm schema1.SignedManifest
		if err := json.Unmarshal(body, &sm); err != nil {
			return nil, err
		}
		return &sm, nil
	case mirror.MediaTypeSchema2, mirror.MediaTypeOCIManifest:
	default:
		return nil, mirror.ErrNoAcceptableRepresentation
	}

	var target struct {
		Config v1.Descriptor   `json:"config"`
		Layers []v1.Descriptor `json:"layers"`
	}
	if err := json.Unmarshal(body, &target); err != nil {
		return nil, err
	}
	configJSON, err := c.store.Artifact(ctx, target.Config.Digest)
	if err != nil {
		return nil, err
	}

	builder := schema1.NewConfigManifestBuilder(repository, tag, configJSON)
	for _, layer := range target.Layers {
		if err := builder.AppendReference(layer); err != nil {
			return nil, err
		}
	}
	return builder.Build()
}

// amd64Member resolves a manifest list to its linux/amd64 image manifest.
func (c *Converter) amd64Member(ctx context.Context, list digest.Digest) (*model.Manifest, error) {
	links, err := c.store.ListManifests(ctx, list)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		if link.Platform.OS == "linux" && link.Platform.Architecture == "amd64" {
			return c.store.Manifest(ctx, link.Manifest)
		}
	}
	return nil, mirror.ErrNoAcceptableRepresentation
}
