package sync

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/ocimirror/ocimirror/internal/dcontext"
	"github.com/ocimirror/ocimirror/metrics"
	"github.com/ocimirror/ocimirror/model"
)

// batchSize is how many queue items are gathered before issuing the dedup
// queries for a batch.
const batchSize = 100

// saveContent turns pending records into content rows. Each batch is checked
// against the store first; only content with no existing row is downloaded
// and created. Blob rows are written before the manifest rows that reference
// them so configuration metadata can be derived from the stored artifact.
func (p *Pipeline) saveContent(ctx context.Context, in <-chan *item, out chan<- *item) error {
	blobRows := make(map[digest.Digest]*model.Blob)
	manifestRows := make(map[digest.Digest]*model.Manifest)
	for {
		batch, err := nextBatch(ctx, in, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := p.saveBatch(ctx, batch, blobRows, manifestRows); err != nil {
			return err
		}
		for _, itm := range batch {
			if err := emit(ctx, out, itm); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) saveBatch(ctx context.Context, batch []*item, blobRows map[digest.Digest]*model.Blob, manifestRows map[digest.Digest]*model.Manifest) error {
	var blobDigests, manifestDigests []digest.Digest
	for _, itm := range batch {
		pm := itm.manifest
		if pm == nil {
			continue
		}
		if _, ok := manifestRows[pm.Digest]; !ok {
			manifestDigests = append(manifestDigests, pm.Digest)
		}
		for _, pb := range pm.Blobs {
			if _, ok := blobRows[pb.Digest]; !ok {
				blobDigests = append(blobDigests, pb.Digest)
			}
		}
	}

	existingBlobs, err := p.store.Blobs(ctx, blobDigests)
	if err != nil {
		return err
	}
	for dgst, row := range existingBlobs {
		blobRows[dgst] = row
	}
	existingManifests, err := p.store.Manifests(ctx, manifestDigests)
	if err != nil {
		return err
	}
	for dgst, row := range existingManifests {
		manifestRows[dgst] = row
	}

	for _, itm := range batch {
		if itm.manifest == nil {
			continue
		}
		for _, pb := range itm.manifest.Blobs {
			if err := p.saveBlob(ctx, pb, blobRows); err != nil {
				return err
			}
		}
	}
	for _, itm := range batch {
		if itm.manifest == nil {
			continue
		}
		if err := p.saveManifest(ctx, itm.manifest, manifestRows); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) saveBlob(ctx context.Context, pb *PendingBlob, blobRows map[digest.Digest]*model.Blob) error {
	if row, ok := blobRows[pb.Digest]; ok {
		pb.row = row
		return nil
	}
	if !pb.Deferred {
		data, err := p.registry.Blob(ctx, pb.Digest)
		if err != nil {
			return err
		}
		if err := p.store.PutArtifact(ctx, pb.Digest, data); err != nil {
			return err
		}
		metrics.BlobsDownloaded.Inc(1)
		pb.Size = int64(len(data))
	}
	row, err := p.store.PutBlob(ctx, &model.Blob{
		Digest:    pb.Digest,
		MediaType: pb.MediaType,
		Size:      pb.Size,
	})
	if err != nil {
		return err
	}
	blobRows[pb.Digest] = row
	pb.row = row
	return nil
}

func (p *Pipeline) saveManifest(ctx context.Context, pm *PendingManifest, manifestRows map[digest.Digest]*model.Manifest) error {
	if row, ok := manifestRows[pm.Digest]; ok {
		pm.row = row
		return nil
	}
	if err := p.store.PutArtifact(ctx, pm.Digest, pm.Body); err != nil {
		return err
	}
	row := &model.Manifest{
		Digest:        pm.Digest,
		SchemaVersion: pm.SchemaVersion,
		MediaType:     pm.MediaType,
	}
	var configJSON []byte
	if cfg := pm.configBlob(); cfg != nil {
		row.ConfigBlob = cfg.Digest
		data, err := p.store.Artifact(ctx, cfg.Digest)
		if err != nil {
			return err
		}
		configJSON = data
	}
	if err := row.DeriveMeta(pm.Body, configJSON); err != nil {
		dcontext.GetLoggerWithField(ctx, "manifest", pm.Digest).WithError(err).Warn("could not derive manifest metadata")
	}
	saved, err := p.store.PutManifest(ctx, row)
	if err != nil {
		return err
	}
	manifestRows[pm.Digest] = saved
	pm.row = saved
	return nil
}

// configBlob returns the pending configuration blob, if the manifest format
// carries one.
func (pm *PendingManifest) configBlob() *PendingBlob {
	for _, pb := range pm.Blobs {
		if pb.Config {
			return pb
		}
	}
	return nil
}

// nextBatch blocks for the first item, then keeps gathering until the batch
// is full or the queue momentarily drains. A nil batch means the input
// channel closed.
func nextBatch(ctx context.Context, in <-chan *item, max int) ([]*item, error) {
	var batch []*item
	select {
	case itm, ok := <-in:
		if !ok {
			return nil, nil
		}
		batch = append(batch, itm)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(batch) < max {
		select {
		case itm, ok := <-in:
			if !ok {
				return batch, nil
			}
			batch = append(batch, itm)
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return batch, nil
		}
	}
	return batch, nil
}
