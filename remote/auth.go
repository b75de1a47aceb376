package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ocimirror/ocimirror/internal/dcontext"
)

// challenge is a parsed WWW-Authenticate header.
type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenge splits a WWW-Authenticate value into its scheme and
// parameters. Only the first challenge in the header is considered.
func parseChallenge(header string) (challenge, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if scheme == "" {
		return challenge{}, fmt.Errorf("malformed WWW-Authenticate header %q", header)
	}

	ch := challenge{
		scheme: strings.ToLower(scheme),
		params: make(map[string]string),
	}
	for _, part := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		ch.params[strings.ToLower(key)] = strings.Trim(value, `"`)
	}
	return ch, nil
}

// tokenResponse is the body returned by a bearer token endpoint.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// tokenSession is the shared mutable credential state of a client. All
// concurrent fetches read the same session; refreshing it is serialized
// through the mutex so one expired token causes exactly one refresh. The
// generation counter lets a fetch that failed with an already-replaced
// token skip the redundant refresh.
type tokenSession struct {
	mu sync.Mutex

	username string
	password string

	token      string
	basic      bool
	generation uint64

	hc *http.Client
}

// authorization returns the current Authorization header value, if any, and
// the generation it belongs to.
func (s *tokenSession) authorization() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header(), s.generation
}

func (s *tokenSession) header() string {
	switch {
	case s.token != "":
		return "Bearer " + s.token
	case s.basic && s.username != "":
		return "Basic " + basicAuth(s.username, s.password)
	default:
		return ""
	}
}

// refresh renegotiates credentials after a 401 challenge. failedGeneration
// identifies the credential the caller presented; when another fetch already
// refreshed past it the current credential is returned without touching the
// remote. A bearer challenge acquires a token from the advertised realm; a
// basic challenge switches the session to basic credentials.
func (s *tokenSession) refresh(ctx context.Context, failedGeneration uint64, ch challenge, fallbackScope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != failedGeneration {
		return s.header(), nil
	}

	switch ch.scheme {
	case "bearer":
		token, err := s.fetchToken(ctx, ch, fallbackScope)
		if err != nil {
			return "", err
		}
		s.token = token
		s.basic = false
	case "basic":
		if s.username == "" {
			return "", fmt.Errorf("registry requested basic auth but no credentials are configured")
		}
		s.token = ""
		s.basic = true
	default:
		return "", fmt.Errorf("unsupported auth challenge scheme %q", ch.scheme)
	}

	s.generation++
	return s.header(), nil
}

// fetchToken acquires a bearer token from the realm named in the challenge.
// Called with the session lock held.
func (s *tokenSession) fetchToken(ctx context.Context, ch challenge, fallbackScope string) (string, error) {
	realm := ch.params["realm"]
	if realm == "" {
		return "", fmt.Errorf("bearer challenge without realm")
	}

	realmURL, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("parsing token realm: %w", err)
	}

	query := realmURL.Query()
	if service := ch.params["service"]; service != "" {
		query.Set("service", service)
	}
	scope := ch.params["scope"]
	if scope == "" {
		scope = fallbackScope
	}
	if scope != "" {
		query.Set("scope", scope)
	}
	realmURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realmURL.String(), nil)
	if err != nil {
		return "", err
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting bearer token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint %s returned status %d", realmURL.Host, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token endpoint %s returned no token", realmURL.Host)
	}

	dcontext.GetLogger(ctx).Debugf("acquired bearer token from %s", realmURL.Host)
	return token, nil
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
