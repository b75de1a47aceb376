package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/manifest/manifestlist"
	"github.com/ocimirror/ocimirror/manifest/schema2"
	"github.com/ocimirror/ocimirror/model"
	"github.com/ocimirror/ocimirror/storage/inmemory"
	"github.com/ocimirror/ocimirror/testutil"
)

// seedImage registers a config blob, the given layers and a schema 2
// manifest in the fake registry, returning the manifest digest and the
// layer digests.
func seedImage(reg *testutil.FakeRegistry, labels map[string]string, layerData ...[]byte) (digest.Digest, []digest.Digest) {
	diffIDs := make([]digest.Digest, len(layerData))
	layers := make([]v1.Descriptor, len(layerData))
	layerDigests := make([]digest.Digest, len(layerData))
	for i, data := range layerData {
		diffIDs[i] = digest.FromBytes(data)
		layers[i] = testutil.LayerDescriptor(data, schema2.MediaTypeLayer)
		layerDigests[i] = reg.AddBlob(data)
	}

	configJSON, configDigest := testutil.MakeConfig("amd64", "linux", labels, diffIDs)
	reg.AddBlob(configJSON)

	config := v1.Descriptor{
		MediaType: schema2.MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(configJSON)),
	}
	body, _ := testutil.MakeImageManifest(config, layers...)
	return reg.AddManifest(schema2.MediaTypeManifest, body), layerDigests
}

func newTestPipeline(t *testing.T, reg *testutil.FakeRegistry, store *inmemory.Store, policy Policy) *Pipeline {
	t.Helper()
	p, err := New(Options{
		Registry:   reg,
		Store:      store,
		Versions:   store,
		Repository: "library/app",
		Policy:     policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunMirrorsTaggedContent(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	layer := []byte("layer one")
	manifestDigest, layerDigests := seedImage(reg, nil, layer, []byte("layer two"))
	reg.Tag("latest", manifestDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if version.Number != 1 {
		t.Errorf("version number = %d", version.Number)
	}
	if version.Tags["latest"] != manifestDigest {
		t.Errorf("latest = %s, expected %s", version.Tags["latest"], manifestDigest)
	}
	if !version.HasManifest(manifestDigest) {
		t.Error("version missing the tagged manifest")
	}
	for _, dgst := range layerDigests {
		if !version.HasBlob(dgst) {
			t.Errorf("version missing layer %s", dgst)
		}
		if _, err := store.Artifact(ctx, dgst); err != nil {
			t.Errorf("layer %s not downloaded: %v", dgst, err)
		}
	}

	row, err := store.Manifest(ctx, manifestDigest)
	if err != nil {
		t.Fatal(err)
	}
	if row.SchemaVersion != 2 || row.MediaType != mirror.MediaTypeSchema2 {
		t.Errorf("manifest row = %+v", row)
	}
	if row.ConfigBlob == "" {
		t.Error("manifest row has no config blob reference")
	}
	if row.Architecture != "amd64" || row.OS != "linux" {
		t.Errorf("derived platform = %s/%s", row.OS, row.Architecture)
	}

	// one link per layer plus one for the config blob
	if store.BlobLinkCount() != 3 {
		t.Errorf("blob links = %d, expected 3", store.BlobLinkCount())
	}
}

func TestRerunDoesNotRedownload(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	layer := []byte("stable layer")
	manifestDigest, layerDigests := seedImage(reg, nil, layer)
	reg.Tag("latest", manifestDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if version.Number != 2 {
		t.Errorf("second run published version %d", version.Number)
	}
	if got := reg.BlobFetches(layerDigests[0]); got != 1 {
		t.Errorf("layer downloaded %d times, expected 1", got)
	}
	if store.ManifestCount() != 1 {
		t.Errorf("manifest rows = %d", store.ManifestCount())
	}
}

func TestSharedLayerDownloadedOnce(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	shared := []byte("shared base layer")
	firstDigest, _ := seedImage(reg, map[string]string{"app": "a"}, shared)
	secondDigest, _ := seedImage(reg, map[string]string{"app": "b"}, shared)
	reg.Tag("app_a", firstDigest)
	reg.Tag("app_b", secondDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(version.Tags) != 2 {
		t.Fatalf("tags = %v", version.Tags)
	}
	if got := reg.BlobFetches(digest.FromBytes(shared)); got != 1 {
		t.Errorf("shared layer downloaded %d times, expected 1", got)
	}
}

func TestFilterTags(t *testing.T) {
	tags := []string{"manifest_a", "manifest_b", "other", "manifest_c"}

	got := FilterTags(tags, []string{"manifest_*"}, []string{"*_b"})
	want := []string{"manifest_a", "manifest_c"}
	if len(got) != len(want) {
		t.Fatalf("filtered = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("filtered[%d] = %s, expected %s", i, got[i], want[i])
		}
	}

	// exclusion applies even to included names
	if got := FilterTags([]string{"keep", "drop"}, nil, []string{"drop"}); len(got) != 1 || got[0] != "keep" {
		t.Errorf("filtered = %v", got)
	}

	// no patterns admits everything
	if got := FilterTags(tags, nil, nil); len(got) != len(tags) {
		t.Errorf("filtered = %v", got)
	}
}

func TestRunAppliesTagFilters(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	manifestDigest, _ := seedImage(reg, nil, []byte("layer"))
	reg.Tag("manifest_a", manifestDigest)
	reg.Tag("manifest_b", manifestDigest)
	reg.Tag("other", manifestDigest)

	p := newTestPipeline(t, reg, store, Policy{
		Mirror:  true,
		Include: []string{"manifest_*"},
		Exclude: []string{"*_b"},
	})
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(version.Tags) != 1 {
		t.Fatalf("tags = %v", version.Tags)
	}
	if _, ok := version.Tags["manifest_a"]; !ok {
		t.Errorf("tags = %v", version.Tags)
	}
}

func TestMirrorRemovesStaleTags(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	manifestDigest, _ := seedImage(reg, nil, []byte("layer"))
	reg.Tag("v1", manifestDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}

	reg.Untag("v1")
	reg.Tag("v2", manifestDigest)

	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := version.Tags["v1"]; ok {
		t.Error("mirror run retained a tag absent upstream")
	}
	if _, ok := version.Tags["v2"]; !ok {
		t.Errorf("tags = %v", version.Tags)
	}
}

func TestAdditiveRunRetainsTags(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	manifestDigest, _ := seedImage(reg, nil, []byte("layer"))
	reg.Tag("v1", manifestDigest)

	p := newTestPipeline(t, reg, store, Policy{})
	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}

	reg.Untag("v1")
	reg.Tag("v2", manifestDigest)

	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(version.Tags) != 2 {
		t.Errorf("tags = %v", version.Tags)
	}
}

func TestListExpansion(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	amd64Digest, _ := seedImage(reg, map[string]string{"arch": "amd64"}, []byte("amd64 layer"))
	arm64Digest, _ := seedImage(reg, map[string]string{"arch": "arm64"}, []byte("arm64 layer"))

	body, _ := testutil.MakeManifestList(
		manifestlist.ManifestDescriptor{
			Descriptor: v1.Descriptor{
				MediaType: mirror.MediaTypeSchema2,
				Digest:    amd64Digest,
			},
			Platform: manifestlist.PlatformSpec{OS: "linux", Architecture: "amd64"},
		},
		manifestlist.ManifestDescriptor{
			Descriptor: v1.Descriptor{
				MediaType: mirror.MediaTypeSchema2,
				Digest:    arm64Digest,
			},
			Platform: manifestlist.PlatformSpec{OS: "linux", Architecture: "arm64", Variant: "v8"},
		},
	)
	listDigest := reg.AddManifest(mirror.MediaTypeManifestList, body)
	reg.Tag("latest", listDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if version.Tags["latest"] != listDigest {
		t.Errorf("latest = %s, expected the list digest", version.Tags["latest"])
	}
	for _, dgst := range []digest.Digest{listDigest, amd64Digest, arm64Digest} {
		if !version.HasManifest(dgst) {
			t.Errorf("version missing manifest %s", dgst)
		}
	}

	links, err := store.ListManifests(ctx, listDigest)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Fatalf("list links = %d, expected 2", len(links))
	}
	platforms := make(map[digest.Digest]model.Platform)
	for _, link := range links {
		platforms[link.Manifest] = link.Platform
	}
	if platforms[amd64Digest].Architecture != "amd64" {
		t.Errorf("amd64 platform = %+v", platforms[amd64Digest])
	}
	if platforms[arm64Digest].Variant != "v8" {
		t.Errorf("arm64 platform = %+v", platforms[arm64Digest])
	}

	listRow, err := store.Manifest(ctx, listDigest)
	if err != nil {
		t.Fatal(err)
	}
	if listRow.MediaType != mirror.MediaTypeManifestList {
		t.Errorf("list media type = %s", listRow.MediaType)
	}
	if listRow.ConfigBlob != "" {
		t.Error("manifest list has a config blob reference")
	}
}

func TestOnDemandDefersLayers(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	layer := []byte("deferred layer")
	layerDigest := digest.FromBytes(layer)
	manifestDigest, _ := seedImage(reg, nil, layer)
	reg.Tag("latest", manifestDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true, OnDemand: true})
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if got := reg.BlobFetches(layerDigest); got != 0 {
		t.Errorf("deferred layer downloaded %d times", got)
	}
	var unknown mirror.ErrBlobUnknown
	if _, err := store.Artifact(ctx, layerDigest); !errors.As(err, &unknown) {
		t.Errorf("expected no artifact for deferred layer, got %v", err)
	}

	// the row, the association and the version membership still exist
	if !version.HasBlob(layerDigest) {
		t.Error("version missing deferred layer")
	}
	rows, err := store.Blobs(ctx, []digest.Digest{layerDigest})
	if err != nil {
		t.Fatal(err)
	}
	row, ok := rows[layerDigest]
	if !ok {
		t.Fatal("deferred layer has no blob row")
	}
	if row.Size != int64(len(layer)) {
		t.Errorf("deferred layer size = %d", row.Size)
	}

	// the configuration is always downloaded eagerly
	manifestRow, err := store.Manifest(ctx, manifestDigest)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Artifact(ctx, manifestRow.ConfigBlob); err != nil {
		t.Errorf("config blob not downloaded: %v", err)
	}
	if manifestRow.Architecture != "amd64" {
		t.Error("derived metadata missing under deferred policy")
	}
}

func TestForeignLayersNotDownloaded(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	foreign := []byte("windows base layer")
	foreignDigest := digest.FromBytes(foreign)
	reg.AddBlob(foreign)

	configJSON, configDigest := testutil.MakeConfig("amd64", "windows", nil, []digest.Digest{foreignDigest})
	reg.AddBlob(configJSON)
	body, _ := testutil.MakeImageManifest(
		v1.Descriptor{MediaType: schema2.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(configJSON))},
		testutil.LayerDescriptor(foreign, schema2.MediaTypeForeignLayer),
	)
	manifestDigest := reg.AddManifest(schema2.MediaTypeManifest, body)
	reg.Tag("latest", manifestDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := reg.BlobFetches(foreignDigest); got != 0 {
		t.Errorf("foreign layer downloaded %d times", got)
	}

	// opting in downloads it like any other layer
	store2 := inmemory.New()
	p = newTestPipeline(t, reg, store2, Policy{Mirror: true, IncludeForeignLayers: true})
	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := reg.BlobFetches(foreignDigest); got != 1 {
		t.Errorf("foreign layer downloaded %d times with opt-in", got)
	}
}

func TestSyncTagIsAdditive(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	firstDigest, _ := seedImage(reg, map[string]string{"app": "a"}, []byte("first"))
	reg.Tag("v1", firstDigest)

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}

	secondDigest, _ := seedImage(reg, map[string]string{"app": "b"}, []byte("second"))
	reg.Tag("v2", secondDigest)

	// single-tag sync keeps v1 even under a mirror policy
	version, err := p.SyncTag(ctx, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if len(version.Tags) != 2 {
		t.Errorf("tags = %v", version.Tags)
	}
	if version.Tags["v2"] != secondDigest {
		t.Errorf("v2 = %s", version.Tags["v2"])
	}
	// only the requested tag was fetched
	if got := reg.ManifestFetches("v1"); got != 1 {
		t.Errorf("v1 fetched %d times", got)
	}
}

func TestRunFailsOnMissingBlob(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	layer := []byte("never uploaded")
	configJSON, configDigest := testutil.MakeConfig("amd64", "linux", nil, []digest.Digest{digest.FromBytes(layer)})
	reg.AddBlob(configJSON)
	body, _ := testutil.MakeImageManifest(
		v1.Descriptor{MediaType: schema2.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(configJSON))},
		testutil.LayerDescriptor(layer, schema2.MediaTypeLayer),
	)
	reg.Tag("latest", reg.AddManifest(schema2.MediaTypeManifest, body))

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	if _, err := p.Run(ctx); err == nil {
		t.Fatal("expected run to fail on a missing upstream blob")
	}

	// nothing was published
	version, err := store.Version(ctx, "library/app")
	if err != nil {
		t.Fatal(err)
	}
	if version != nil {
		t.Errorf("failed run published version %d", version.Number)
	}
}

func TestMalformedManifestSkipsTag(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	goodDigest, _ := seedImage(reg, nil, []byte("good layer"))
	reg.Tag("good", goodDigest)
	reg.Tag("bad", reg.AddManifest("application/unknown+json", []byte(`{"mediaType": "application/unknown+json"}`)))

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(version.Tags) != 1 {
		t.Fatalf("tags = %v", version.Tags)
	}
	if _, ok := version.Tags["good"]; !ok {
		t.Errorf("tags = %v", version.Tags)
	}
}

func TestInvalidDescriptorDigestSkipsTag(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	goodDigest, _ := seedImage(reg, nil, []byte("good layer"))
	reg.Tag("good", goodDigest)

	body := []byte(`{"schemaVersion": 2, "mediaType": "` + schema2.MediaTypeManifest + `",` +
		` "config": {"mediaType": "` + schema2.MediaTypeImageConfig + `", "digest": "garbage-not-a-digest", "size": 2},` +
		` "layers": []}`)
	reg.Tag("broken", reg.AddManifest(schema2.MediaTypeManifest, body))

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	version, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(version.Tags) != 1 {
		t.Fatalf("tags = %v", version.Tags)
	}
	if _, ok := version.Tags["good"]; !ok {
		t.Errorf("tags = %v", version.Tags)
	}
}

func TestListedManifestFetchedOncePerRun(t *testing.T) {
	ctx := context.Background()
	reg := testutil.NewFakeRegistry()
	store := inmemory.New()

	childDigest, _ := seedImage(reg, nil, []byte("child layer"))
	body, _ := testutil.MakeManifestList(manifestlist.ManifestDescriptor{
		Descriptor: v1.Descriptor{MediaType: mirror.MediaTypeSchema2, Digest: childDigest},
		Platform:   manifestlist.PlatformSpec{OS: "linux", Architecture: "amd64"},
	})
	reg.Tag("latest", reg.AddManifest(mirror.MediaTypeManifestList, body))

	p := newTestPipeline(t, reg, store, Policy{Mirror: true})
	for run := 1; run <= 2; run++ {
		if _, err := p.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if fetches := reg.ManifestFetches(childDigest.String()); fetches != run {
			t.Errorf("after run %d the listed manifest was fetched %d times", run, fetches)
		}
	}
}
