package serve

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/internal/dcontext"
	"github.com/ocimirror/ocimirror/metrics"
)

// getBlob serves blob content by digest. Content deferred by the on-demand
// download policy is fetched from the upstream on first access and kept.
func (s *Server) getBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	name := vars["name"]

	dgst, err := digest.Parse(vars["digest"])
	if err != nil {
		serveError(w, ErrorCodeBlobUnknown, map[string]string{"digest": vars["digest"]})
		return
	}

	version, err := s.versions.Version(ctx, name)
	if err != nil {
		serveError(w, ErrorCodeUnknown, err.Error())
		return
	}
	if version == nil || !version.HasBlob(dgst) {
		serveError(w, ErrorCodeBlobUnknown, map[string]string{"digest": dgst.String()})
		return
	}

	rows, err := s.store.Blobs(ctx, []digest.Digest{dgst})
	if err != nil {
		serveError(w, ErrorCodeUnknown, err.Error())
		return
	}
	row, ok := rows[dgst]
	if !ok {
		serveError(w, ErrorCodeBlobUnknown, map[string]string{"digest": dgst.String()})
		return
	}

	data, err := s.store.Artifact(ctx, dgst)
	if err != nil {
		data, err = s.fetchDeferred(r, name, dgst)
		if err != nil {
			serveError(w, ErrorCodeBlobUnknown, map[string]string{"digest": dgst.String()})
			return
		}
	}

	mediaType := row.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// fetchDeferred downloads a blob whose artifact was skipped at sync time.
func (s *Server) fetchDeferred(r *http.Request, name string, dgst digest.Digest) ([]byte, error) {
	ctx := r.Context()
	remote, ok := s.remotes[name]
	if !ok {
		return nil, mirror.ErrBlobUnknown{Digest: dgst}
	}
	data, err := remote.Blob(ctx, dgst)
	if err != nil {
		return nil, err
	}
	if err := s.store.PutArtifact(ctx, dgst, data); err != nil {
		dcontext.GetLoggerWithField(ctx, "digest", dgst).WithError(err).Warn("could not persist lazily fetched blob")
	}
	metrics.BlobsDownloaded.Inc(1)
	return data, nil
}
