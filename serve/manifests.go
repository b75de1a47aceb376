package serve

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/internal/dcontext"
	"github.com/ocimirror/ocimirror/metrics"
)

// getManifest serves a manifest by tag or digest. The stored representation
// is served when the client accepts its media type; otherwise a schema 1
// conversion is attempted for legacy clients.
func (s *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	name := vars["name"]
	ref := vars["reference"]

	version, err := s.versions.Version(ctx, name)
	if err != nil {
		serveError(w, ErrorCodeUnknown, err.Error())
		return
	}

	var dgst digest.Digest
	var tag string
	if parsed, err := digest.Parse(ref); err == nil {
		dgst = parsed
		if version == nil || !version.HasManifest(dgst) {
			serveError(w, ErrorCodeManifestUnknown, map[string]string{"digest": ref})
			return
		}
	} else {
		tag = ref
		dgst, err = version.Target(tag)
		if err != nil {
			puller, enabled := s.pullThrough[name]
			if !enabled {
				serveError(w, ErrorCodeManifestUnknown, map[string]string{"tag": tag})
				return
			}
			fresh, err := puller.SyncTag(ctx, tag)
			if err != nil {
				dcontext.GetLoggerWithField(ctx, "tag", tag).WithError(err).Error("pull-through sync failed")
				serveError(w, ErrorCodeManifestUnknown, map[string]string{"tag": tag})
				return
			}
			if dgst, err = fresh.Target(tag); err != nil {
				serveError(w, ErrorCodeManifestUnknown, map[string]string{"tag": tag})
				return
			}
		}
	}

	row, err := s.store.Manifest(ctx, dgst)
	if err != nil {
		serveError(w, ErrorCodeManifestUnknown, map[string]string{"digest": dgst.String()})
		return
	}

	if accepts(r, row.MediaType) {
		body, err := s.store.Artifact(ctx, dgst)
		if err != nil {
			serveError(w, ErrorCodeManifestUnknown, map[string]string{"digest": dgst.String()})
			return
		}
		writeManifest(w, r, row.MediaType, dgst, body)
		return
	}

	if !accepts(r, mirror.MediaTypeSchema1Signed) && !accepts(r, mirror.MediaTypeSchema1) {
		serveError(w, ErrorCodeManifestUnknown, map[string]string{
			"digest": dgst.String(),
			"accept": r.Header.Get("Accept"),
		})
		return
	}

	sm, err := s.converter.ToSchema1(ctx, name, tag, dgst)
	if err != nil {
		var conv mirror.ErrConversion
		if errors.Is(err, mirror.ErrNoAcceptableRepresentation) || errors.As(err, &conv) {
			serveError(w, ErrorCodeManifestUnknown, map[string]string{
				"digest": dgst.String(),
				"reason": err.Error(),
			})
			return
		}
		serveError(w, ErrorCodeUnknown, err.Error())
		return
	}
	mediaType, body, err := sm.Payload()
	if err != nil {
		serveError(w, ErrorCodeUnknown, err.Error())
		return
	}
	metrics.ConversionsServed.Inc(1)
	writeManifest(w, r, mediaType, digest.FromBytes(sm.Canonical), body)
}

func writeManifest(w http.ResponseWriter, r *http.Request, mediaType string, dgst digest.Digest, body []byte) {
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, dgst))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

// accepts reports whether the request's Accept header admits the media
// type. An absent Accept header admits everything.
func accepts(r *http.Request, mediaType string) bool {
	values := r.Header["Accept"]
	if len(values) == 0 {
		return true
	}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			accepted, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if accepted == mediaType || accepted == "*/*" {
				return true
			}
		}
	}
	return false
}
