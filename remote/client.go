// Package remote implements the authenticated HTTP client the pipeline uses
// to talk to an upstream registry: tag listing with pagination, manifest and
// blob fetches, transparent bearer token acquisition with basic fallback,
// and transport level retries.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"

	mirror "github.com/ocimirror/ocimirror"
	"github.com/ocimirror/ocimirror/internal/dcontext"
)

// manifestAccept is sent on every manifest fetch so the remote returns the
// richest representation it has.
var manifestAccept = strings.Join([]string{
	mirror.MediaTypeOCIIndex,
	mirror.MediaTypeManifestList,
	mirror.MediaTypeOCIManifest,
	mirror.MediaTypeSchema2,
	mirror.MediaTypeSchema1Signed,
	"application/json",
}, ", ")

// Options configures a Client.
type Options struct {
	// URL is the base URL of the remote registry, e.g.
	// "https://registry-1.docker.io".
	URL string

	// Repository is the upstream repository name.
	Repository string

	Username string
	Password string

	// Proxy, when set, routes all requests through the given proxy URL.
	Proxy string

	// Timeout bounds a single HTTP exchange. Zero means 1 minute.
	Timeout time.Duration

	// Retries is the number of transport level retries per request.
	// Negative disables retries; zero means 4.
	Retries int

	UserAgent string
}

// Client is an authenticated fetcher for one upstream repository. It is safe
// for concurrent use; the token session it carries is the single shared
// credential state of all in-flight fetches.
type Client struct {
	base       *url.URL
	repository string
	hc         *retryablehttp.Client
	session    *tokenSession
	userAgent  string
}

// ErrUnexpectedStatus is returned when the remote answers with a status the
// client has no recovery for.
type ErrUnexpectedStatus struct {
	Status int
	URL    string
}

func (err ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", err.Status, err.URL)
}

// New validates the options and returns a client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote url %q must be absolute", opts.URL)
	}
	if opts.Repository == "" {
		return nil, fmt.Errorf("remote repository name must not be empty")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	retries := opts.Retries
	if retries == 0 {
		retries = 4
	} else if retries < 0 {
		retries = 0
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	inner := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient = inner
	hc.RetryMax = retries
	hc.Logger = nil

	return &Client{
		base:       base,
		repository: opts.Repository,
		hc:         hc,
		session: &tokenSession{
			username: opts.Username,
			password: opts.Password,
			hc:       inner,
		},
		userAgent: opts.UserAgent,
	}, nil
}

// Repository returns the upstream repository name the client is bound to.
func (c *Client) Repository() string {
	return c.repository
}

// get issues an authenticated GET. A 401 response triggers exactly one
// credential renegotiation per credential generation; a second 401 with the
// refreshed credential is fatal.
func (c *Client) get(ctx context.Context, rawURL string, accept string) (*http.Response, error) {
	auth, generation := c.session.authorization()

	resp, err := c.getOnce(ctx, rawURL, accept, auth)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		header := resp.Header.Get("WWW-Authenticate")
		closeBody(resp)

		ch, err := parseChallenge(header)
		if err != nil {
			return nil, err
		}

		scope := fmt.Sprintf("repository:%s:pull", c.repository)
		auth, err = c.session.refresh(ctx, generation, ch, scope)
		if err != nil {
			return nil, err
		}

		resp, err = c.getOnce(ctx, rawURL, accept, auth)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			closeBody(resp)
			return nil, fmt.Errorf("still unauthorized after credential refresh: %w",
				ErrUnexpectedStatus{Status: http.StatusUnauthorized, URL: rawURL})
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		closeBody(resp)
		return nil, ErrUnexpectedStatus{Status: resp.StatusCode, URL: rawURL}
	}

	return resp, nil
}

func (c *Client) getOnce(ctx context.Context, rawURL, accept, auth string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return c.hc.Do(req)
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Tags returns all tag names of the repository. Pagination is drained
// completely before the result is returned; a partial page is never usable
// for filtering.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	route := c.route("/v2/%s/tags/list", c.repository)

	var tags []string
	for route != "" {
		resp, err := c.get(ctx, route, "application/json")
		if err != nil {
			return nil, fmt.Errorf("listing tags: %w", err)
		}

		var page tagList
		err = json.NewDecoder(resp.Body).Decode(&page)
		next := nextLink(resp, c.base)
		closeBody(resp)
		if err != nil {
			return nil, fmt.Errorf("decoding tag list: %w", err)
		}

		tags = append(tags, page.Tags...)
		route = next
	}

	dcontext.GetLogger(ctx).Debugf("listed %d tags for %s", len(tags), c.repository)
	return tags, nil
}

// Manifest fetches a manifest by tag or digest, returning the raw body and
// the transport content type.
func (c *Client) Manifest(ctx context.Context, reference string) ([]byte, string, error) {
	route := c.route("/v2/%s/manifests/%s", c.repository, reference)

	resp, err := c.get(ctx, route, manifestAccept)
	if err != nil {
		return nil, "", fmt.Errorf("fetching manifest %s: %w", reference, err)
	}
	defer closeBody(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading manifest %s: %w", reference, err)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// Blob fetches a blob by digest and verifies the bytes against it.
func (c *Client) Blob(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	// Verifier panics on a malformed digest; reject it here so a bad
	// reference fails the single fetch instead of the process.
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob digest %q: %w", dgst, err)
	}
	route := c.route("/v2/%s/blobs/%s", c.repository, dgst)

	resp, err := c.get(ctx, route, "")
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s: %w", dgst, err)
	}
	defer closeBody(resp)

	verifier := dgst.Verifier()
	body, err := io.ReadAll(io.TeeReader(resp.Body, verifier))
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", dgst, err)
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("blob %s failed digest verification", dgst)
	}

	return body, nil
}

func (c *Client) route(format string, args ...interface{}) string {
	ref := &url.URL{Path: fmt.Sprintf(format, args...)}
	return c.base.ResolveReference(ref).String()
}

// nextLink extracts the continuation URL from a Link header of the form
// `<url>; rel="next"`. Relative URLs are resolved against the base.
func nextLink(resp *http.Response, base *url.URL) string {
	for _, link := range resp.Header.Values("Link") {
		target, params, ok := strings.Cut(link, ";")
		if !ok || !strings.Contains(params, `rel="next"`) {
			continue
		}
		target = strings.Trim(strings.TrimSpace(target), "<>")
		ref, err := url.Parse(target)
		if err != nil {
			continue
		}
		return base.ResolveReference(ref).String()
	}
	return ""
}
