// Package testutil holds helpers for constructing registry content and fake
// upstreams in tests.
package testutil

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocimirror/ocimirror/manifest"
	"github.com/ocimirror/ocimirror/manifest/manifestlist"
	"github.com/ocimirror/ocimirror/manifest/schema2"
)

// RandomBlob returns size random bytes and their digest.
func RandomBlob(size int) ([]byte, digest.Digest) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		panic(fmt.Sprintf("failed to generate random blob: %v", err))
	}
	return data, digest.FromBytes(data)
}

// MakeConfig builds a minimal image configuration document with one history
// entry per diff id.
func MakeConfig(architecture, os string, labels map[string]string, diffIDs []digest.Digest) ([]byte, digest.Digest) {
	history := make([]map[string]interface{}, len(diffIDs))
	for i := range diffIDs {
		history[i] = map[string]interface{}{
			"created_by": fmt.Sprintf("layer %d", i),
		}
	}
	doc := map[string]interface{}{
		"architecture": architecture,
		"os":           os,
		"config": map[string]interface{}{
			"Labels": labels,
		},
		"rootfs": map[string]interface{}{
			"type":     "layers",
			"diff_ids": diffIDs,
		},
		"history": history,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return body, digest.FromBytes(body)
}

// MakeImageManifest builds a schema 2 manifest referencing the config and
// layer descriptors and returns its canonical bytes and digest.
func MakeImageManifest(config v1.Descriptor, layers ...v1.Descriptor) ([]byte, digest.Digest) {
	m, err := schema2.FromStruct(schema2.Manifest{
		Versioned: manifest.Versioned{
			SchemaVersion: 2,
			MediaType:     schema2.MediaTypeManifest,
		},
		Config: config,
		Layers: layers,
	})
	if err != nil {
		panic(err)
	}
	_, body, err := m.Payload()
	if err != nil {
		panic(err)
	}
	return body, digest.FromBytes(body)
}

// MakeManifestList builds a manifest list over the given members and returns
// its canonical bytes and digest.
func MakeManifestList(members ...manifestlist.ManifestDescriptor) ([]byte, digest.Digest) {
	ml, err := manifestlist.FromDescriptors(members)
	if err != nil {
		panic(err)
	}
	_, body, err := ml.Payload()
	if err != nil {
		panic(err)
	}
	return body, digest.FromBytes(body)
}

// LayerDescriptor describes blob content as a schema 2 layer.
func LayerDescriptor(data []byte, mediaType string) v1.Descriptor {
	return v1.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
}
