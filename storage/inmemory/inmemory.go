// Package inmemory is the reference implementation of the storage contracts.
// It backs the pull-through path in standalone deployments and the pipeline
// tests. All state is process local and guarded by a single mutex.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/model"
	"github.com/ocimirror/ocimirror/storage"
)

// Store implements storage.Store and storage.Versions.
type Store struct {
	mu sync.RWMutex

	blobs     map[digest.Digest]*model.Blob
	manifests map[digest.Digest]*model.Manifest
	artifacts map[digest.Digest][]byte

	blobLinks map[model.BlobLink]struct{}
	listLinks map[listLinkKey]model.ListLink

	versions map[string][]*model.RepositoryVersion
}

type listLinkKey struct {
	list     digest.Digest
	manifest digest.Digest
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Versions = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		blobs:     make(map[digest.Digest]*model.Blob),
		manifests: make(map[digest.Digest]*model.Manifest),
		artifacts: make(map[digest.Digest][]byte),
		blobLinks: make(map[model.BlobLink]struct{}),
		listLinks: make(map[listLinkKey]model.ListLink),
		versions:  make(map[string][]*model.RepositoryVersion),
	}
}

func (s *Store) Blobs(ctx context.Context, dgsts []digest.Digest) (map[digest.Digest]*model.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[digest.Digest]*model.Blob)
	for _, dgst := range dgsts {
		if b, ok := s.blobs[dgst]; ok {
			found[dgst] = b
		}
	}
	return found, nil
}

func (s *Store) Manifests(ctx context.Context, dgsts []digest.Digest) (map[digest.Digest]*model.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[digest.Digest]*model.Manifest)
	for _, dgst := range dgsts {
		if m, ok := s.manifests[dgst]; ok {
			found[dgst] = m
		}
	}
	return found, nil
}

func (s *Store) PutBlob(ctx context.Context, b *model.Blob) (*model.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blobs[b.Digest]; ok {
		return existing, nil
	}
	s.blobs[b.Digest] = b
	return b, nil
}

func (s *Store) PutManifest(ctx context.Context, m *model.Manifest) (*model.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.manifests[m.Digest]; ok {
		return existing, nil
	}
	s.manifests[m.Digest] = m
	return m, nil
}

func (s *Store) Manifest(ctx context.Context, dgst digest.Digest) (*model.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.manifests[dgst]
	if !ok {
		return nil, mirror.ErrManifestUnknown{Digest: dgst}
	}
	return m, nil
}

func (s *Store) PutArtifact(ctx context.Context, dgst digest.Digest, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[dgst]; ok {
		return nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.artifacts[dgst] = stored
	return nil
}

func (s *Store) Artifact(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.artifacts[dgst]
	if !ok {
		return nil, mirror.ErrBlobUnknown{Digest: dgst}
	}
	return data, nil
}

func (s *Store) LinkBlobs(ctx context.Context, links []model.BlobLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, link := range links {
		s.blobLinks[link] = struct{}{}
	}
	return nil
}

func (s *Store) LinkListManifests(ctx context.Context, links []model.ListLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, link := range links {
		key := listLinkKey{list: link.List, manifest: link.Manifest}
		if _, ok := s.listLinks[key]; ok {
			continue
		}
		s.listLinks[key] = link
	}
	return nil
}

func (s *Store) SetConfigBlobs(ctx context.Context, refs map[digest.Digest]digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for manifestDigest, blobDigest := range refs {
		if m, ok := s.manifests[manifestDigest]; ok {
			m.ConfigBlob = blobDigest
		}
	}
	return nil
}

func (s *Store) ListManifests(ctx context.Context, list digest.Digest) ([]model.ListLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var links []model.ListLink
	for key, link := range s.listLinks {
		if key.list == list {
			links = append(links, link)
		}
	}
	return links, nil
}

// BlobLinkCount returns the number of stored manifest-to-blob associations.
// Used by tests to assert dedup behavior.
func (s *Store) BlobLinkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobLinks)
}

// BlobCount returns the number of stored blob rows.
func (s *Store) BlobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ManifestCount returns the number of stored manifest rows.
func (s *Store) ManifestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.manifests)
}

func (s *Store) Version(ctx context.Context, repository string) (*model.RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[repository]
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[len(versions)-1], nil
}

func (s *Store) NewVersion(ctx context.Context, repository string, retain bool) (storage.VersionEditor, error) {
	editor := &versionEditor{
		store:      s,
		repository: repository,
		tags:       make(map[string]digest.Digest),
		manifests:  make(map[digest.Digest]struct{}),
		blobs:      make(map[digest.Digest]struct{}),
	}

	if retain {
		current, err := s.Version(ctx, repository)
		if err != nil {
			return nil, err
		}
		if current != nil {
			for name, dgst := range current.Tags {
				editor.tags[name] = dgst
			}
			for dgst := range current.Manifests {
				editor.manifests[dgst] = struct{}{}
			}
			for dgst := range current.Blobs {
				editor.blobs[dgst] = struct{}{}
			}
		}
	}

	return editor, nil
}

type versionEditor struct {
	store      *Store
	repository string

	tags      map[string]digest.Digest
	manifests map[digest.Digest]struct{}
	blobs     map[digest.Digest]struct{}
}

func (e *versionEditor) AddBlob(dgst digest.Digest) {
	e.blobs[dgst] = struct{}{}
}

func (e *versionEditor) AddManifest(dgst digest.Digest) {
	e.manifests[dgst] = struct{}{}
}

// AddTag replaces any retained or previously staged tag with the same name;
// retagging removes the old association in the same commit that adds the new
// one. Staging through a map is also what reconciles duplicate additions:
// the last add per name wins.
func (e *versionEditor) AddTag(tag model.Tag) {
	e.tags[tag.Name] = tag.Manifest
}

func (e *versionEditor) RemoveTag(name string) {
	delete(e.tags, name)
}

func (e *versionEditor) Commit(ctx context.Context) (*model.RepositoryVersion, error) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	number := 1
	if existing := e.store.versions[e.repository]; len(existing) > 0 {
		number = existing[len(existing)-1].Number + 1
	}

	version := &model.RepositoryVersion{
		Repository: e.repository,
		Number:     number,
		CreatedAt:  time.Now(),
		Tags:       make(map[string]digest.Digest, len(e.tags)),
		Manifests:  make(map[digest.Digest]struct{}, len(e.manifests)),
		Blobs:      make(map[digest.Digest]struct{}, len(e.blobs)),
	}
	for name, dgst := range e.tags {
		version.Tags[name] = dgst
	}
	for dgst := range e.manifests {
		version.Manifests[dgst] = struct{}{}
	}
	for dgst := range e.blobs {
		version.Blobs[dgst] = struct{}{}
	}

	e.store.versions[e.repository] = append(e.store.versions[e.repository], version)
	return version, nil
}
