package sync

import (
	"context"
	"path"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/internal/dcontext"
	"github.com/ocimirror/ocimirror/metrics"
	"github.com/ocimirror/ocimirror/model"
)

// fetchConcurrency bounds how many tagged manifests are fetched at once
// during discovery.
const fetchConcurrency = 10

// FilterTags applies include patterns first, then exclude patterns, using
// shell-style glob matching on the full tag name. Empty include means
// everything is included; exclusion always wins over inclusion.
func FilterTags(tags, include, exclude []string) []string {
	filtered := make([]string, 0, len(tags))
	for _, tag := range tags {
		if !matchAny(tag, include, true) {
			continue
		}
		if matchAny(tag, exclude, false) {
			continue
		}
		filtered = append(filtered, tag)
	}
	return filtered
}

func matchAny(tag string, patterns []string, emptyMatches bool) bool {
	if len(patterns) == 0 {
		return emptyMatches
	}
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, tag); err == nil && ok {
			return true
		}
	}
	return false
}

// discoverAll lists the upstream tags, filters them, and fetches the tagged
// manifests concurrently. Results are emitted in completion order.
func (r *syncRun) discoverAll(ctx context.Context, out chan<- *item) error {
	tags, err := r.registry.Tags(ctx)
	if err != nil {
		return err
	}
	tags = FilterTags(tags, r.policy.Include, r.policy.Exclude)
	dcontext.GetLoggerWithField(ctx, "tags", len(tags)).Info("discovered upstream tags")
	return r.fetchTagged(ctx, tags, out)
}

func (r *syncRun) fetchTagged(ctx context.Context, tags []string, out chan<- *item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, tag := range tags {
		tag := tag
		g.Go(func() error {
			body, contentType, err := r.registry.Manifest(gctx, tag)
			if err != nil {
				return err
			}
			pm, err := r.newPendingManifest(body, contentType, nil, nil)
			if err != nil {
				// A malformed manifest spoils only its own tag.
				dcontext.GetLoggerWithField(gctx, "tag", tag).WithError(err).Warn("skipping unparseable manifest")
				return nil
			}
			metrics.ManifestsFetched.Inc(1)
			if err := emit(gctx, out, &item{manifest: pm}); err != nil {
				return err
			}
			return emit(gctx, out, &item{tag: &PendingTag{Name: tag, Manifest: pm}})
		})
	}
	return g.Wait()
}

// newPendingManifest validates a downloaded manifest body against its
// format and computes its content digest. The registered unmarshal enforces
// the per-format shape: schema version, required media type, well-formed
// reference digests. Signed schema1 manifests are identified by the digest
// of the payload with the signature envelope stripped; the registry reports
// that digest in the returned descriptor.
func (r *syncRun) newPendingManifest(body []byte, contentType string, platform *model.Platform, list *PendingManifest) (*PendingManifest, error) {
	mediaType, kind, err := mirror.Classify(body, contentType)
	if err != nil {
		return nil, err
	}
	m, desc, err := mirror.UnmarshalManifest(contentType, body)
	if err != nil {
		return nil, err
	}
	schemaVersion := 2
	if mediaType == mirror.MediaTypeSchema1 || mediaType == mirror.MediaTypeSchema1Signed {
		schemaVersion = 1
	}
	pm := &PendingManifest{
		ID:            uuid.New(),
		Digest:        desc.Digest,
		MediaType:     mediaType,
		Kind:          kind,
		SchemaVersion: schemaVersion,
		Body:          body,
		Platform:      platform,
		List:          list,
		Future:        newFuture(),
	}
	if kind == mirror.KindImage {
		if err := r.enumerateBlobs(pm, m); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	r.seen[pm.Digest] = pm
	r.mu.Unlock()
	return pm, nil
}

// pendingBody returns the body and media type of a manifest already fetched
// in this run, avoiding a second round trip for content shared between lists
// and tags.
func (r *syncRun) pendingBody(dgst digest.Digest) ([]byte, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.seen[dgst]; ok {
		return prior.Body, prior.MediaType
	}
	return nil, ""
}

func emit(ctx context.Context, out chan<- *item, itm *item) error {
	select {
	case out <- itm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
