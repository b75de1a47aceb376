package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"
)

type fakeManifest struct {
	mediaType string
	body      []byte
}

// FakeRegistry is an in-memory upstream for pipeline tests. It counts
// fetches so tests can assert deduplication behavior.
type FakeRegistry struct {
	mu        sync.Mutex
	tags      map[string]digest.Digest
	manifests map[digest.Digest]fakeManifest
	blobs     map[digest.Digest][]byte

	manifestFetches map[string]int
	blobFetches     map[digest.Digest]int
}

func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		tags:            make(map[string]digest.Digest),
		manifests:       make(map[digest.Digest]fakeManifest),
		blobs:           make(map[digest.Digest][]byte),
		manifestFetches: make(map[string]int),
		blobFetches:     make(map[digest.Digest]int),
	}
}

// AddManifest registers a manifest body under its digest.
func (r *FakeRegistry) AddManifest(mediaType string, body []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	dgst := digest.FromBytes(body)
	r.manifests[dgst] = fakeManifest{mediaType: mediaType, body: body}
	return dgst
}

// AddBlob registers blob content under its digest.
func (r *FakeRegistry) AddBlob(data []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	dgst := digest.FromBytes(data)
	r.blobs[dgst] = data
	return dgst
}

// Tag points a tag name at a manifest digest.
func (r *FakeRegistry) Tag(name string, dgst digest.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[name] = dgst
}

// Untag removes a tag.
func (r *FakeRegistry) Untag(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, name)
}

func (r *FakeRegistry) Tags(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tags))
	for name := range r.tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *FakeRegistry) Manifest(ctx context.Context, reference string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifestFetches[reference]++

	dgst, err := digest.Parse(reference)
	if err != nil {
		var ok bool
		if dgst, ok = r.tags[reference]; !ok {
			return nil, "", fmt.Errorf("manifest unknown: %s", reference)
		}
	}
	m, ok := r.manifests[dgst]
	if !ok {
		return nil, "", fmt.Errorf("manifest unknown: %s", dgst)
	}
	return m.body, m.mediaType, nil
}

func (r *FakeRegistry) Blob(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobFetches[dgst]++

	data, ok := r.blobs[dgst]
	if !ok {
		return nil, fmt.Errorf("blob unknown: %s", dgst)
	}
	return data, nil
}

// ManifestFetches returns how often the reference was fetched.
func (r *FakeRegistry) ManifestFetches(reference string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifestFetches[reference]
}

// BlobFetches returns how often the blob was downloaded.
func (r *FakeRegistry) BlobFetches(dgst digest.Digest) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blobFetches[dgst]
}
