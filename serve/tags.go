package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocimirror/ocimirror/cache"
	"github.com/ocimirror/ocimirror/internal/dcontext"
)

const tagsCacheTTL = 5 * time.Minute

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// getTags lists the tag names of the repository's current version, sorted,
// with n/last pagination and a Link header when more entries remain.
func (s *Server) getTags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	cacheKey := "tags?" + r.URL.RawQuery
	if body, err := s.cache.Get(ctx, name, cacheKey); err == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}

	version, err := s.versions.Version(ctx, name)
	if err != nil {
		serveError(w, ErrorCodeUnknown, err.Error())
		return
	}
	if version == nil {
		serveError(w, ErrorCodeNameUnknown, map[string]string{"name": name})
		return
	}

	tags := make([]string, 0, len(version.Tags))
	for tag := range version.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	q := r.URL.Query()
	last := q.Get("last")
	limit := -1
	if n := q.Get("n"); n != "" {
		parsed, err := strconv.Atoi(n)
		if err != nil || parsed < 0 {
			serveError(w, ErrorCodePaginationInvalid, map[string]string{"n": n})
			return
		}
		limit = parsed
	}

	if last != "" {
		i := sort.SearchStrings(tags, last)
		if i < len(tags) && tags[i] == last {
			i++
		}
		tags = tags[i:]
	}
	more := false
	if limit >= 0 && limit < len(tags) {
		tags = tags[:limit]
		more = true
	}

	w.Header().Set("Content-Type", "application/json")
	if more && len(tags) > 0 {
		link, err := createLinkEntry(r.URL.String(), limit, tags[len(tags)-1])
		if err != nil {
			serveError(w, ErrorCodeUnknown, err.Error())
			return
		}
		w.Header().Set("Link", link)
	}

	body, err := json.Marshal(tagsAPIResponse{Name: name, Tags: tags})
	if err != nil {
		serveError(w, ErrorCodeUnknown, err.Error())
		return
	}
	if err := s.cache.Set(ctx, name, cacheKey, body, tagsCacheTTL); err != nil && err != cache.ErrNotFound {
		dcontext.GetLogger(ctx).WithError(err).Warn("could not cache tag listing")
	}
	_, _ = w.Write(body)
}

// createLinkEntry formats the RFC 5988 Link header for the next page.
func createLinkEntry(origURL string, limit int, last string) (string, error) {
	u, err := url.Parse(origURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("n", strconv.Itoa(limit))
	q.Set("last", last)
	u.RawQuery = q.Encode()
	return fmt.Sprintf(`<%s>; rel="next"`, u.String()), nil
}
