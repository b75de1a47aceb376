// Package serve exposes mirrored content over the registry pull API:
// version check, tag listing and manifest and blob retrieval, with content
// negotiation down to signed schema 1 for legacy clients. The surface is
// read-only; pushes are not accepted.
package serve

import (
	"context"
	"net/http"

	"github.com/distribution/reference"
	metricspkg "github.com/docker/go-metrics"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ocimirror/ocimirror/cache"
	"github.com/ocimirror/ocimirror/converter"
	"github.com/ocimirror/ocimirror/model"
	"github.com/ocimirror/ocimirror/storage"
	"github.com/ocimirror/ocimirror/sync"
)

// PullThrough triggers a single-tag sync for a repository on a cache miss.
// *sync.Pipeline satisfies it.
type PullThrough interface {
	SyncTag(ctx context.Context, tag string) (*model.RepositoryVersion, error)
}

// Options configures a Server.
type Options struct {
	Store    storage.Store
	Versions storage.Versions

	// Cache holds rendered responses. Defaults to a no-op cache.
	Cache cache.Cache

	// PullThrough maps local repository names to their single-tag sync
	// entry point. Repositories without an entry answer from local
	// content only.
	PullThrough map[string]PullThrough

	// Remotes maps local repository names to their upstream clients for
	// lazily fetching deferred blob content.
	Remotes map[string]sync.Registry
}

// Server answers pull API requests from the store.
type Server struct {
	store       storage.Store
	versions    storage.Versions
	cache       cache.Cache
	converter   *converter.Converter
	pullThrough map[string]PullThrough
	remotes     map[string]sync.Registry

	router *mux.Router
}

// New builds the router. The route patterns reuse the reference grammar so
// repository names nest the same way they do upstream.
func New(opts Options) *Server {
	s := &Server{
		store:       opts.Store,
		versions:    opts.Versions,
		cache:       opts.Cache,
		converter:   converter.New(opts.Store),
		pullThrough: opts.PullThrough,
		remotes:     opts.Remotes,
	}
	if s.cache == nil {
		s.cache = cache.NewNoop()
	}

	name := reference.NameRegexp.String()
	tagOrDigest := reference.TagRegexp.String() + "|" + reference.DigestRegexp.String()

	r := mux.NewRouter()
	r.Handle("/v2/", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(s.apiBase),
	})
	r.Handle("/v2/{name:"+name+"}/tags/list", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(s.getTags),
	})
	r.Handle("/v2/{name:"+name+"}/manifests/{reference:"+tagOrDigest+"}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.getManifest),
		http.MethodHead: http.HandlerFunc(s.getManifest),
	})
	r.Handle("/v2/{name:"+name+"}/blobs/{digest:"+reference.DigestRegexp.String()+"}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(s.getBlob),
		http.MethodHead: http.HandlerFunc(s.getBlob),
	})
	r.Handle("/metrics", metricspkg.Handler())
	s.router = r
	return s
}

// Handler returns the server's handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(logrus.StandardLogger().Writer(), s.router)
}

func (s *Server) apiBase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	_, _ = w.Write([]byte("{}"))
}
