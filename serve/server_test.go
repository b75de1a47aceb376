package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/manifest/schema2"
	"github.com/ocimirror/ocimirror/model"
	"github.com/ocimirror/ocimirror/storage/inmemory"
	"github.com/ocimirror/ocimirror/sync"
	"github.com/ocimirror/ocimirror/testutil"
)

const repo = "library/app"

type testEnv struct {
	store  *inmemory.Store
	server *Server

	manifestDigest digest.Digest
	configDigest   digest.Digest
	layerDigest    digest.Digest
	layerData      []byte
}

// newTestEnv stores one schema 2 image, publishes a version tagging it as
// latest and stable, and builds a server over the store.
func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := inmemory.New()

	layer := []byte("served layer content")
	layerDesc := testutil.LayerDescriptor(layer, schema2.MediaTypeLayer)
	if err := store.PutArtifact(ctx, layerDesc.Digest, layer); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PutBlob(ctx, &model.Blob{Digest: layerDesc.Digest, MediaType: layerDesc.MediaType, Size: layerDesc.Size}); err != nil {
		t.Fatal(err)
	}

	configJSON, configDigest := testutil.MakeConfig("amd64", "linux", nil, []digest.Digest{digest.FromBytes(layer)})
	if err := store.PutArtifact(ctx, configDigest, configJSON); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PutBlob(ctx, &model.Blob{Digest: configDigest, MediaType: schema2.MediaTypeImageConfig, Size: int64(len(configJSON))}); err != nil {
		t.Fatal(err)
	}

	body, manifestDigest := testutil.MakeImageManifest(v1.Descriptor{
		MediaType: schema2.MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(configJSON)),
	}, layerDesc)
	if err := store.PutArtifact(ctx, manifestDigest, body); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PutManifest(ctx, &model.Manifest{
		Digest:        manifestDigest,
		SchemaVersion: 2,
		MediaType:     schema2.MediaTypeManifest,
		ConfigBlob:    configDigest,
	}); err != nil {
		t.Fatal(err)
	}

	editor, err := store.NewVersion(ctx, repo, false)
	if err != nil {
		t.Fatal(err)
	}
	editor.AddManifest(manifestDigest)
	editor.AddBlob(layerDesc.Digest)
	editor.AddBlob(configDigest)
	editor.AddTag(model.Tag{Name: "latest", Manifest: manifestDigest})
	editor.AddTag(model.Tag{Name: "stable", Manifest: manifestDigest})
	if _, err := editor.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	opts.Store = store
	opts.Versions = store
	return &testEnv{
		store:          store,
		server:         New(opts),
		manifestDigest: manifestDigest,
		configDigest:   configDigest,
		layerDigest:    layerDesc.Digest,
		layerData:      layer,
	}
}

func (env *testEnv) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		req.Header[key] = values
	}
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body: %v: %s", err, w.Body.String())
	}
	if len(body.Errors) == 0 {
		t.Fatal("error body has no errors")
	}
	return body.Errors[0].Code
}

func TestAPIBase(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Docker-Distribution-API-Version"); got != "registry/2.0" {
		t.Errorf("api version header = %q", got)
	}
}

func TestGetTags(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/tags/list", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp tagsAPIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Name != repo {
		t.Errorf("name = %q", resp.Name)
	}
	if len(resp.Tags) != 2 || resp.Tags[0] != "latest" || resp.Tags[1] != "stable" {
		t.Errorf("tags = %v", resp.Tags)
	}
}

func TestGetTagsPagination(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodGet, "/v2/"+repo+"/tags/list?n=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp tagsAPIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tags) != 1 || resp.Tags[0] != "latest" {
		t.Fatalf("first page = %v", resp.Tags)
	}
	link := w.Header().Get("Link")
	if !strings.Contains(link, `rel="next"`) || !strings.Contains(link, "last=latest") {
		t.Fatalf("link = %q", link)
	}

	w = env.do(t, http.MethodGet, "/v2/"+repo+"/tags/list?n=1&last=latest", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tags) != 1 || resp.Tags[0] != "stable" {
		t.Fatalf("second page = %v", resp.Tags)
	}
	if w.Header().Get("Link") != "" {
		t.Errorf("unexpected continuation: %q", w.Header().Get("Link"))
	}
}

func TestGetTagsInvalidPagination(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/tags/list?n=-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "PAGINATION_NUMBER_INVALID" {
		t.Errorf("code = %s", code)
	}
}

func TestGetTagsUnknownRepository(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/library/other/tags/list", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "NAME_UNKNOWN" {
		t.Errorf("code = %s", code)
	}
}

func TestGetManifestByTag(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/manifests/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != schema2.MediaTypeManifest {
		t.Errorf("content type = %q", got)
	}
	if got := w.Header().Get("Docker-Content-Digest"); got != env.manifestDigest.String() {
		t.Errorf("digest header = %q", got)
	}
	if digest.FromBytes(w.Body.Bytes()) != env.manifestDigest {
		t.Error("body does not match the stored manifest")
	}
}

func TestGetManifestByDigest(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/manifests/"+env.manifestDigest.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if digest.FromBytes(w.Body.Bytes()) != env.manifestDigest {
		t.Error("body does not match the stored manifest")
	}
}

func TestHeadManifestHasNoBody(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodHead, "/v2/"+repo+"/manifests/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD returned %d body bytes", w.Body.Len())
	}
	if got := w.Header().Get("Docker-Content-Digest"); got != env.manifestDigest.String() {
		t.Errorf("digest header = %q", got)
	}
}

func TestGetManifestSchema1Conversion(t *testing.T) {
	env := newTestEnv(t, Options{})
	header := http.Header{"Accept": []string{mirror.MediaTypeSchema1Signed}}
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/manifests/latest", header)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != mirror.MediaTypeSchema1Signed {
		t.Errorf("content type = %q", got)
	}
	served := w.Header().Get("Docker-Content-Digest")
	if served == env.manifestDigest.String() {
		t.Error("conversion served under the stored digest")
	}

	var body struct {
		SchemaVersion int    `json:"schemaVersion"`
		Name          string `json:"name"`
		Tag           string `json:"tag"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.SchemaVersion != 1 || body.Name != repo || body.Tag != "latest" {
		t.Errorf("converted body = %+v", body)
	}
}

func TestGetManifestNoAcceptableRepresentation(t *testing.T) {
	env := newTestEnv(t, Options{})
	header := http.Header{"Accept": []string{mirror.MediaTypeOCIIndex}}
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/manifests/latest", header)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "MANIFEST_UNKNOWN" {
		t.Errorf("code = %s", code)
	}
}

func TestGetManifestUnknownTag(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/manifests/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "MANIFEST_UNKNOWN" {
		t.Errorf("code = %s", code)
	}
}

func TestGetBlob(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/v2/"+repo+"/blobs/"+env.layerDigest.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != schema2.MediaTypeLayer {
		t.Errorf("content type = %q", got)
	}
	if w.Body.String() != string(env.layerData) {
		t.Error("blob body mismatch")
	}

	w = env.do(t, http.MethodHead, "/v2/"+repo+"/blobs/"+env.layerDigest.String(), nil)
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("HEAD status = %d, body = %d bytes", w.Code, w.Body.Len())
	}

	w = env.do(t, http.MethodGet, "/v2/"+repo+"/blobs/"+digest.FromString("absent").String(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if code := errorCode(t, w); code != "BLOB_UNKNOWN" {
		t.Errorf("code = %s", code)
	}
}

func TestGetBlobDeferredFetch(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	deferred := []byte("lazily fetched layer")
	deferredDigest := reg.AddBlob(deferred)

	env := newTestEnv(t, Options{Remotes: map[string]sync.Registry{repo: reg}})

	// the row and version membership exist, the artifact does not
	if _, err := env.store.PutBlob(ctx, &model.Blob{Digest: deferredDigest, MediaType: schema2.MediaTypeLayer, Size: int64(len(deferred))}); err != nil {
		t.Fatal(err)
	}
	editor, err := env.store.NewVersion(ctx, repo, true)
	if err != nil {
		t.Fatal(err)
	}
	editor.AddBlob(deferredDigest)
	if _, err := editor.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/v2/"+repo+"/blobs/"+deferredDigest.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != string(deferred) {
		t.Error("deferred blob body mismatch")
	}
	if got := reg.BlobFetches(deferredDigest); got != 1 {
		t.Errorf("deferred blob fetched %d times", got)
	}

	// the fetched content is kept; the next request is local
	w = env.do(t, http.MethodGet, "/v2/"+repo+"/blobs/"+deferredDigest.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := reg.BlobFetches(deferredDigest); got != 1 {
		t.Errorf("persisted blob refetched, %d upstream fetches", got)
	}
}

func TestPullThroughOnUnknownTag(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()

	layer := []byte("pull through layer")
	reg.AddBlob(layer)
	configJSON, configDigest := testutil.MakeConfig("amd64", "linux", nil, []digest.Digest{digest.FromBytes(layer)})
	reg.AddBlob(configJSON)
	body, _ := testutil.MakeImageManifest(v1.Descriptor{
		MediaType: schema2.MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(configJSON)),
	}, testutil.LayerDescriptor(layer, schema2.MediaTypeLayer))
	upstreamDigest := reg.AddManifest(schema2.MediaTypeManifest, body)
	reg.Tag("fresh", upstreamDigest)

	env := newTestEnv(t, Options{})
	p, err := sync.New(sync.Options{
		Registry:   reg,
		Store:      env.store,
		Versions:   env.store,
		Repository: repo,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.server.pullThrough = map[string]PullThrough{repo: p}

	w := env.do(t, http.MethodGet, "/v2/"+repo+"/manifests/fresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Docker-Content-Digest"); got != upstreamDigest.String() {
		t.Errorf("digest header = %q", got)
	}

	// the synced tag is part of the published version now
	version, err := env.store.Version(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if version.Tags["fresh"] != upstreamDigest {
		t.Errorf("tags = %v", version.Tags)
	}
	if _, ok := version.Tags["latest"]; !ok {
		t.Error("pull-through dropped existing tags")
	}
}
