package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Repository == "" {
		opts.Repository = "library/app"
	}
	opts.Retries = -1
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTagsPagination(t *testing.T) {
	pages := map[string]struct {
		tags []string
		next string
	}{
		"": {tags: []string{"1.0", "1.1"}, next: "/v2/library/app/tags/list?last=1.1&n=2"},
		"last=1.1&n=2": {tags: []string{"1.2", "2.0"}, next: "/v2/library/app/tags/list?last=2.0&n=2"},
		"last=2.0&n=2": {tags: []string{"latest"}},
	}

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/library/app/tags/list" {
			http.NotFound(w, r)
			return
		}
		requests++
		page, ok := pages[r.URL.RawQuery]
		if !ok {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
			http.NotFound(w, r)
			return
		}
		if page.next != "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, page.next))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"name": "library/app", "tags": page.tags})
	}))
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL})
	tags, err := c.Tags(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1.0", "1.1", "1.2", "2.0", "latest"}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v", tags)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %s, expected %s", i, tags[i], want[i])
		}
	}
	if requests != 3 {
		t.Errorf("drained %d pages, expected 3", requests)
	}
}

func TestBearerTokenFlow(t *testing.T) {
	const token = "opaque-token-value"

	var tokenRequests int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		if got := r.URL.Query().Get("scope"); got != "repository:library/app:pull" {
			t.Errorf("scope = %q", got)
		}
		if got := r.URL.Query().Get("service"); got != "registry.test" {
			t.Errorf("service = %q", got)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			t.Error("token request missing basic credentials")
		}
		json.NewEncoder(w).Encode(tokenResponse{Token: token})
	}))
	defer tokenSrv.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer realm="%s/token",service="registry.test"`, tokenSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Write([]byte(`{"schemaVersion": 2}`))
	}))
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL, Username: "alice", Password: "secret"})

	body, contentType, err := c.Manifest(context.Background(), "latest")
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "application/vnd.docker.distribution.manifest.v2+json" {
		t.Errorf("content type = %q", contentType)
	}
	if !strings.Contains(string(body), "schemaVersion") {
		t.Errorf("body = %s", body)
	}

	// the acquired token is reused for subsequent fetches
	if _, _, err := c.Manifest(context.Background(), "latest"); err != nil {
		t.Fatal(err)
	}
	if tokenRequests != 1 {
		t.Errorf("token endpoint hit %d times, expected 1", tokenRequests)
	}
}

func TestUnauthorizedAfterRefreshIsFatal(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{Token: "rejected"})
	}))
	defer tokenSrv.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token"`, tokenSrv.URL))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL})
	_, _, err := c.Manifest(context.Background(), "latest")
	if err == nil {
		t.Fatal("expected error for repeated 401")
	}
	var status ErrUnexpectedStatus
	if !errors.As(err, &status) || status.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBasicChallengeFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bob" || pass != "hunter2" {
			w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"name": "library/app", "tags": []string{"latest"}})
	}))
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL, Username: "bob", Password: "hunter2"})
	tags, err := c.Tags(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0] != "latest" {
		t.Errorf("tags = %v", tags)
	}
}

func TestBlobDigestVerification(t *testing.T) {
	good := []byte("layer data")
	goodDigest := digest.FromBytes(good)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, goodDigest.String()) {
			w.Write(good)
			return
		}
		w.Write([]byte("corrupted bytes"))
	}))
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL})

	body, err := c.Blob(context.Background(), goodDigest)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != string(good) {
		t.Errorf("blob = %q", body)
	}

	_, err = c.Blob(context.Background(), digest.FromString("something else"))
	if err == nil || !strings.Contains(err.Error(), "digest verification") {
		t.Fatalf("expected verification failure, got %v", err)
	}
}

func TestBlobRejectsMalformedDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request for %s", r.URL.Path)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL})

	_, err := c.Blob(context.Background(), digest.Digest("garbage-not-a-digest"))
	if err == nil || !strings.Contains(err.Error(), "invalid blob digest") {
		t.Fatalf("expected invalid digest error, got %v", err)
	}
}

func TestManifestAcceptHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept")
		for _, mt := range []string{
			"application/vnd.oci.image.index.v1+json",
			"application/vnd.docker.distribution.manifest.list.v2+json",
			"application/vnd.docker.distribution.manifest.v2+json",
		} {
			if !strings.Contains(accept, mt) {
				t.Errorf("Accept header missing %s", mt)
			}
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL})
	if _, _, err := c.Manifest(context.Background(), "latest"); err != nil {
		t.Fatal(err)
	}
}

func TestNotFoundIsUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newTestClient(t, Options{URL: srv.URL})
	_, _, err := c.Manifest(context.Background(), "missing")
	var status ErrUnexpectedStatus
	if !errors.As(err, &status) || status.Status != http.StatusNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New(Options{URL: "registry.test/v2", Repository: "library/app"}); err == nil {
		t.Error("expected error for relative url")
	}
	if _, err := New(Options{URL: "https://registry.test"}); err == nil {
		t.Error("expected error for empty repository")
	}
}
