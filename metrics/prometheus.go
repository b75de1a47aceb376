package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "ocimirror"
)

var (
	// SyncNamespace is the prometheus namespace of synchronization runs
	SyncNamespace = metrics.NewNamespace(NamespacePrefix, "sync", nil)

	// ServeNamespace is the prometheus namespace of the serving handlers
	ServeNamespace = metrics.NewNamespace(NamespacePrefix, "serve", nil)

	// SyncsCompleted counts successfully published repository versions
	SyncsCompleted = SyncNamespace.NewCounter("runs_completed", "number of successfully completed sync runs")

	// TagsSynced counts tags staged into repository versions
	TagsSynced = SyncNamespace.NewCounter("tags", "number of tags synchronized")

	// ManifestsFetched counts manifest bodies downloaded from upstreams
	ManifestsFetched = SyncNamespace.NewCounter("manifests_fetched", "number of manifests fetched from upstream registries")

	// BlobsDownloaded counts blob artifacts downloaded from upstreams
	BlobsDownloaded = SyncNamespace.NewCounter("blobs_downloaded", "number of blobs downloaded from upstream registries")

	// ConversionsServed counts schema 1 conversions performed at serve time
	ConversionsServed = ServeNamespace.NewCounter("schema1_conversions", "number of manifests converted to schema 1 for legacy clients")
)

func init() {
	metrics.Register(SyncNamespace)
	metrics.Register(ServeNamespace)
}
