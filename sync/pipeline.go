// Package sync implements the mirroring pipeline: tag discovery against an
// upstream registry, manifest list resolution, content download with
// store-level deduplication, association writes and atomic publication of a
// new repository version.
package sync

import (
	"context"
	"errors"
	stdsync "sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/ocimirror/ocimirror/cache"
	"github.com/ocimirror/ocimirror/internal/dcontext"
	"github.com/ocimirror/ocimirror/metrics"
	"github.com/ocimirror/ocimirror/model"
	"github.com/ocimirror/ocimirror/notifications"
	"github.com/ocimirror/ocimirror/storage"
)

// queueDepth is the buffer size of the channels connecting the stages.
const queueDepth = 100

// Policy captures the per-remote knobs that shape a run.
type Policy struct {
	// Mirror makes the published version contain exactly the upstream
	// content; tags absent upstream disappear. Without it the run is
	// additive.
	Mirror bool

	// OnDemand defers layer downloads; rows and associations are still
	// created so content can be fetched lazily at serve time.
	OnDemand bool

	// IncludeForeignLayers also downloads layers of foreign media types.
	IncludeForeignLayers bool

	// Include and Exclude are shell-style glob patterns applied to tag
	// names, include first.
	Include []string
	Exclude []string
}

// Options configures a Pipeline.
type Options struct {
	Registry   Registry
	Store      storage.Store
	Versions   storage.Versions
	Repository string
	Policy     Policy

	// Events receives sync and tag notifications after a version is
	// published. Optional.
	Events *notifications.Broadcaster

	// Invalidator is told about the repository after a version is
	// published. Optional.
	Invalidator cache.Invalidator
}

// Pipeline mirrors one upstream repository into one local repository. It
// holds no per-run state, so concurrent and repeated runs are safe.
type Pipeline struct {
	registry    Registry
	store       storage.Store
	versions    storage.Versions
	repository  string
	policy      Policy
	events      *notifications.Broadcaster
	invalidator cache.Invalidator
}

// syncRun is the state of a single pipeline execution. Manifest bodies
// fetched during the run are remembered by digest so content reachable
// through several tags or lists is fetched and parsed once; the memory is
// released when the run ends.
type syncRun struct {
	*Pipeline

	mu   stdsync.Mutex
	seen map[digest.Digest]*PendingManifest
}

// New validates the options and returns a ready pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Registry == nil {
		return nil, errors.New("sync: registry is required")
	}
	if opts.Store == nil || opts.Versions == nil {
		return nil, errors.New("sync: store and versions are required")
	}
	if opts.Repository == "" {
		return nil, errors.New("sync: repository is required")
	}
	return &Pipeline{
		registry:    opts.Registry,
		store:       opts.Store,
		versions:    opts.Versions,
		repository:  opts.Repository,
		policy:      opts.Policy,
		events:      opts.Events,
		invalidator: opts.Invalidator,
	}, nil
}

// Run synchronizes every tag the policy admits and publishes the resulting
// repository version. Nothing is committed when any stage fails.
func (p *Pipeline) Run(ctx context.Context) (*model.RepositoryVersion, error) {
	return p.run(ctx, nil, !p.policy.Mirror)
}

// SyncTag synchronizes a single upstream tag, always additively. It is the
// pull-through path: a request for an unknown tag triggers a one-tag run.
func (p *Pipeline) SyncTag(ctx context.Context, name string) (*model.RepositoryVersion, error) {
	return p.run(ctx, []string{name}, true)
}

// run executes one synchronization. A nil only slice means full discovery;
// otherwise exactly the named tags are fetched.
func (p *Pipeline) run(ctx context.Context, only []string, retain bool) (*model.RepositoryVersion, error) {
	editor, err := p.versions.NewVersion(ctx, p.repository, retain)
	if err != nil {
		return nil, err
	}

	r := &syncRun{
		Pipeline: p,
		seen:     make(map[digest.Digest]*PendingManifest),
	}

	discovered := make(chan *item, queueDepth)
	resolved := make(chan *item, queueDepth)
	saved := make(chan *item, queueDepth)
	related := make(chan *item, queueDepth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(discovered)
		if only != nil {
			return r.fetchTagged(gctx, only, discovered)
		}
		return r.discoverAll(gctx, discovered)
	})
	g.Go(func() error {
		defer close(resolved)
		return r.resolve(gctx, discovered, resolved)
	})
	g.Go(func() error {
		defer close(saved)
		return p.saveContent(gctx, resolved, saved)
	})
	g.Go(func() error {
		defer close(related)
		return p.interrelate(gctx, saved, related)
	})
	g.Go(func() error {
		return p.finalize(gctx, related, editor)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	version, err := editor.Commit(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SyncsCompleted.Inc(1)
	dcontext.GetLoggerWithFields(ctx, map[string]any{
		"repository": p.repository,
		"version":    version.Number,
		"tags":       len(version.Tags),
	}).Info("repository version published")

	if p.events != nil {
		p.events.SyncCompleted(p.repository, version)
	}
	if p.invalidator != nil {
		if err := p.invalidator.Invalidate(ctx, p.repository); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("cache invalidation failed")
		}
	}
	return version, nil
}

// finalize stages content and tags on the version editor. Tags wait for
// their manifest's future so the staged reference is the deduplicated row.
// The editor is committed by the caller only after every stage succeeded.
func (p *Pipeline) finalize(ctx context.Context, in <-chan *item, editor storage.VersionEditor) error {
	tagged := make(map[string]digest.Digest)
	for {
		itm, ok, err := receive(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if pm := itm.manifest; pm != nil {
			editor.AddManifest(pm.Digest)
			for _, pb := range pm.Blobs {
				editor.AddBlob(pb.Digest)
			}
		}
		if t := itm.tag; t != nil {
			row, err := t.Manifest.Future.Get(ctx)
			if err != nil {
				return err
			}
			if prior, dup := tagged[t.Name]; dup {
				// Upstream listed the name twice; the first
				// observation wins.
				if prior != row.Digest {
					dcontext.GetLoggerWithField(ctx, "tag", t.Name).Warn("duplicate tag with diverging targets, keeping first")
				}
				continue
			}
			tagged[t.Name] = row.Digest
			editor.AddTag(model.Tag{Name: t.Name, Manifest: row.Digest})
			metrics.TagsSynced.Inc(1)
		}
	}
}
