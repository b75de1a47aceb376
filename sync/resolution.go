package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/internal/dcontext"
	"github.com/ocimirror/ocimirror/manifest/manifestlist"
	"github.com/ocimirror/ocimirror/manifest/ocischema"
	"github.com/ocimirror/ocimirror/manifest/schema1"
	"github.com/ocimirror/ocimirror/manifest/schema2"
	"github.com/ocimirror/ocimirror/metrics"
	"github.com/ocimirror/ocimirror/model"
)

// resolve expands manifest lists into their listed image manifests. Image
// manifests pass through unchanged; their blob references were enumerated at
// classification time.
func (r *syncRun) resolve(ctx context.Context, in <-chan *item, out chan<- *item) error {
	for {
		itm, ok, err := receive(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := emit(ctx, out, itm); err != nil {
			return err
		}
		if itm.manifest == nil || itm.manifest.Kind != mirror.KindList {
			continue
		}
		children, err := r.expandList(ctx, itm.manifest)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := emit(ctx, out, &item{manifest: child}); err != nil {
				return err
			}
		}
	}
}

type listEntry struct {
	digest   digest.Digest
	platform *model.Platform
}

// expandList parses the list body and fetches every listed manifest by
// digest. A listed manifest whose body fails validation is skipped with a
// warning; the remaining entries still resolve.
func (r *syncRun) expandList(ctx context.Context, list *PendingManifest) ([]*PendingManifest, error) {
	entries, err := listEntries(list)
	if err != nil {
		return nil, err
	}
	children := make([]*PendingManifest, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			child, err := r.fetchListed(gctx, list, entry)
			if err != nil {
				return err
			}
			children[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	expanded := children[:0]
	for _, child := range children {
		if child != nil {
			expanded = append(expanded, child)
		}
	}
	return expanded, nil
}

func (r *syncRun) fetchListed(ctx context.Context, list *PendingManifest, entry listEntry) (*PendingManifest, error) {
	body, contentType := r.pendingBody(entry.digest)
	if body == nil {
		var err error
		body, contentType, err = r.registry.Manifest(ctx, entry.digest.String())
		if err != nil {
			return nil, err
		}
		if actual := digest.FromBytes(body); actual != entry.digest {
			return nil, fmt.Errorf("listed manifest %s: content digested to %s", entry.digest, actual)
		}
		metrics.ManifestsFetched.Inc(1)
	}
	child, err := r.newPendingManifest(body, contentType, entry.platform, list)
	if err != nil {
		dcontext.GetLoggerWithFields(ctx, map[string]any{
			"list":   list.Digest,
			"listed": entry.digest,
		}).WithError(err).Warn("skipping unparseable listed manifest")
		return nil, nil
	}
	return child, nil
}

func listEntries(list *PendingManifest) ([]listEntry, error) {
	switch list.MediaType {
	case mirror.MediaTypeManifestList:
		var ml manifestlist.DeserializedManifestList
		if err := json.Unmarshal(list.Body, &ml); err != nil {
			return nil, err
		}
		entries := make([]listEntry, 0, len(ml.Manifests))
		for _, d := range ml.Manifests {
			entries = append(entries, listEntry{
				digest: d.Digest,
				platform: &model.Platform{
					Architecture: d.Platform.Architecture,
					OS:           d.Platform.OS,
					OSVersion:    d.Platform.OSVersion,
					OSFeatures:   d.Platform.OSFeatures,
					Variant:      d.Platform.Variant,
					Features:     d.Platform.Features,
				},
			})
		}
		return entries, nil
	case mirror.MediaTypeOCIIndex:
		var ii ocischema.DeserializedImageIndex
		if err := json.Unmarshal(list.Body, &ii); err != nil {
			return nil, err
		}
		entries := make([]listEntry, 0, len(ii.Manifests))
		for _, d := range ii.Manifests {
			entry := listEntry{digest: d.Digest}
			if d.Platform != nil {
				entry.platform = &model.Platform{
					Architecture: d.Platform.Architecture,
					OS:           d.Platform.OS,
					OSVersion:    d.Platform.OSVersion,
					OSFeatures:   d.Platform.OSFeatures,
					Variant:      d.Platform.Variant,
				}
			}
			entries = append(entries, entry)
		}
		return entries, nil
	}
	return nil, mirror.ErrUnsupportedMediaType{MediaType: list.MediaType}
}

// enumerateBlobs records the blob references of a validated image manifest
// as pending blobs according to the download policy. Configuration blobs are
// always downloaded eagerly; layers are deferred under the on-demand policy,
// and foreign layers are never downloaded unless foreign-layer inclusion is
// on.
func (p *Pipeline) enumerateBlobs(pm *PendingManifest, m mirror.Manifest) error {
	switch m := m.(type) {
	case *schema2.DeserializedManifest:
		p.appendImageBlobs(pm, m.Config, m.Layers)
	case *ocischema.DeserializedManifest:
		p.appendImageBlobs(pm, m.Config, m.Layers)
	case *schema1.SignedManifest:
		for _, fsLayer := range m.FSLayers {
			pm.Blobs = append(pm.Blobs, &PendingBlob{
				ID:        uuid.New(),
				Digest:    fsLayer.BlobSum,
				MediaType: schema1.MediaTypeManifestLayer,
				Deferred:  p.policy.OnDemand,
				Owner:     pm,
			})
		}
	default:
		return mirror.ErrUnsupportedMediaType{MediaType: pm.MediaType}
	}
	return nil
}

func (p *Pipeline) appendImageBlobs(pm *PendingManifest, config v1.Descriptor, layers []v1.Descriptor) {
	pm.Blobs = append(pm.Blobs, &PendingBlob{
		ID:        uuid.New(),
		Digest:    config.Digest,
		MediaType: config.MediaType,
		Size:      config.Size,
		Config:    true,
		Owner:     pm,
	})
	for _, layer := range layers {
		deferred := p.policy.OnDemand
		if mirror.IsForeignLayer(layer.MediaType) && !p.policy.IncludeForeignLayers {
			deferred = true
		}
		pm.Blobs = append(pm.Blobs, &PendingBlob{
			ID:        uuid.New(),
			Digest:    layer.Digest,
			MediaType: layer.MediaType,
			Size:      layer.Size,
			Deferred:  deferred,
			Owner:     pm,
		})
	}
}

func receive(ctx context.Context, in <-chan *item) (*item, bool, error) {
	select {
	case itm, ok := <-in:
		if !ok {
			return nil, false, nil
		}
		return itm, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
