package sync

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/ocimirror/ocimirror/model"
)

// insertChunkSize caps how many association rows go into a single batched
// insert.
const insertChunkSize = 1000

// interrelate writes the association rows of each batch and resolves the
// manifest futures, unblocking tag finalization. Associations reference rows
// created by the save stage, so items only reach this stage with their rows
// in place.
func (p *Pipeline) interrelate(ctx context.Context, in <-chan *item, out chan<- *item) error {
	for {
		batch, err := nextBatch(ctx, in, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := p.relateBatch(ctx, batch); err != nil {
			return err
		}
		for _, itm := range batch {
			if itm.manifest != nil {
				itm.manifest.Future.resolve(itm.manifest.row)
			}
			if err := emit(ctx, out, itm); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) relateBatch(ctx context.Context, batch []*item) error {
	var blobLinks []model.BlobLink
	var listLinks []model.ListLink
	configRefs := make(map[digest.Digest]digest.Digest)
	for _, itm := range batch {
		pm := itm.manifest
		if pm == nil {
			continue
		}
		for _, pb := range pm.Blobs {
			blobLinks = append(blobLinks, model.BlobLink{
				Manifest: pm.Digest,
				Blob:     pb.Digest,
			})
			if pb.Config {
				configRefs[pm.Digest] = pb.Digest
			}
		}
		if pm.List != nil {
			link := model.ListLink{
				List:     pm.List.Digest,
				Manifest: pm.Digest,
			}
			if pm.Platform != nil {
				link.Platform = *pm.Platform
			}
			listLinks = append(listLinks, link)
		}
	}
	for _, chunk := range chunkBlobLinks(blobLinks, insertChunkSize) {
		if err := p.store.LinkBlobs(ctx, chunk); err != nil {
			return err
		}
	}
	for _, chunk := range chunkListLinks(listLinks, insertChunkSize) {
		if err := p.store.LinkListManifests(ctx, chunk); err != nil {
			return err
		}
	}
	if len(configRefs) > 0 {
		if err := p.store.SetConfigBlobs(ctx, configRefs); err != nil {
			return err
		}
	}
	return nil
}

func chunkBlobLinks(links []model.BlobLink, size int) [][]model.BlobLink {
	var chunks [][]model.BlobLink
	for len(links) > size {
		chunks = append(chunks, links[:size])
		links = links[size:]
	}
	if len(links) > 0 {
		chunks = append(chunks, links)
	}
	return chunks
}

func chunkListLinks(links []model.ListLink, size int) [][]model.ListLink {
	var chunks [][]model.ListLink
	for len(links) > size {
		chunks = append(chunks, links[:size])
		links = links[size:]
	}
	if len(links) > 0 {
		chunks = append(chunks, links)
	}
	return chunks
}
