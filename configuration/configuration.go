// Package configuration parses the mirror's versioned yaml configuration,
// with environment variable overrides following the OCIMIRROR_ prefix
// scheme.
package configuration

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/mitchellh/mapstructure"
)

// Configuration is a versioned mirror configuration, provided by a yaml file
// and optionally modified by environment variables.
type Configuration struct {
	// Version defines the format of the rest of the configuration.
	Version Version `yaml:"version"`

	// Log configures the logging subsystem.
	Log struct {
		// Level is the granularity at which operations are logged: one
		// of error, warn, info, debug.
		Level Loglevel `yaml:"level"`

		// Formatter overrides the log output format: text or json.
		Formatter string `yaml:"formatter,omitempty"`

		// Fields is attached to every log line.
		Fields map[string]interface{} `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// HTTP configures the serving interface.
	HTTP struct {
		// Addr is the bind address, host:port.
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	// Redis configures the response cache. When Addr is empty no cache
	// is used.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db,omitempty"`
	} `yaml:"redis,omitempty"`

	// Notifications configures webhook endpoints.
	Notifications Notifications `yaml:"notifications,omitempty"`

	// Remotes maps local repository names to the upstream they mirror.
	Remotes map[string]Remote `yaml:"remotes"`
}

// Remote describes one upstream repository and how it is synchronized.
type Remote struct {
	// URL is the upstream registry root, for example
	// https://registry-1.docker.io.
	URL string `yaml:"url"`

	// Repository is the upstream repository name. Defaults to the local
	// name the remote is keyed by.
	Repository string `yaml:"repository,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// Proxy is an optional forward proxy URL for upstream traffic.
	Proxy string `yaml:"proxy,omitempty"`

	// Include and Exclude are shell-style glob patterns on tag names;
	// include is applied first.
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`

	// Policy selects the download policy and its parameters.
	Policy Policy `yaml:"policy,omitempty"`

	// PullThrough serves unknown tags by syncing them on first request.
	PullThrough bool `yaml:"pullthrough,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
	Retries int           `yaml:"retries,omitempty"`
}

// Parameters defines a key-value parameters mapping.
type Parameters map[string]interface{}

// Policy defines the download policy configuration, a single-entry map of
// policy type to its parameters:
//
//	policy:
//	  immediate:
//	    mirror: true
type Policy map[string]Parameters

const (
	// PolicyImmediate downloads all admitted content during the run.
	PolicyImmediate = "immediate"

	// PolicyOnDemand defers layer downloads to first access.
	PolicyOnDemand = "ondemand"
)

// Type returns the policy type, immediate or ondemand.
func (p Policy) Type() string {
	// Return only key in this map
	for k := range p {
		return k
	}
	return PolicyImmediate
}

// Parameters returns the parameters map of the configured policy type.
func (p Policy) Parameters() Parameters {
	return p[p.Type()]
}

// PolicyParameters are the typed knobs shared by both policy types.
type PolicyParameters struct {
	// Mirror removes local tags that are gone upstream.
	Mirror bool `mapstructure:"mirror"`

	// IncludeForeignLayers also downloads layers of foreign media types.
	IncludeForeignLayers bool `mapstructure:"includeforeignlayers"`
}

// Decode returns the typed parameters of the configured policy.
func (p Policy) Decode() (PolicyParameters, error) {
	var pp PolicyParameters
	params := p.Parameters()
	if params == nil {
		return pp, nil
	}
	if err := mapstructure.Decode(map[string]interface{}(params), &pp); err != nil {
		return PolicyParameters{}, fmt.Errorf("invalid policy parameters: %w", err)
	}
	return pp, nil
}

// Notifications configures where repository events are delivered.
type Notifications struct {
	Endpoints []Endpoint `yaml:"endpoints,omitempty"`
}

// Endpoint describes one webhook receiver.
type Endpoint struct {
	Name      string        `yaml:"name"`
	URL       string        `yaml:"url"`
	Headers   http.Header   `yaml:"headers,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Threshold int           `yaml:"threshold,omitempty"`
	Backoff   time.Duration `yaml:"backoff,omitempty"`
	Disabled  bool          `yaml:"disabled,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct, currently aliased
// to Configuration as it is the current version.
type v0_1Configuration Configuration

// UnmarshalYAML validates that a version string is of the form X.Y.
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var versionString string
	if err := unmarshal(&versionString); err != nil {
		return err
	}
	newVersion := Version(versionString)
	if _, err := newVersion.major(); err != nil {
		return err
	}
	if _, err := newVersion.minor(); err != nil {
		return err
	}
	*version = newVersion
	return nil
}

// CurrentVersion is the most recent Version that can be parsed.
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged.
type Loglevel string

// UnmarshalYAML lowercases and validates a loglevel string.
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	if err := unmarshal(&loglevelString); err != nil {
		return err
	}
	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s, must be one of [error, warn, info, debug]", loglevelString)
	}
	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parse reads yaml configuration from rd, overlays OCIMIRROR_-prefixed
// environment variables, and validates the result.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("ocimirror", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				v0_1, ok := c.(*v0_1Configuration)
				if !ok {
					return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
				}
				if v0_1.Log.Level == "" {
					v0_1.Log.Level = "info"
				}
				if err := validate((*Configuration)(v0_1)); err != nil {
					return nil, err
				}
				return (*Configuration)(v0_1), nil
			},
		},
	})

	config := new(Configuration)
	if err := p.Parse(in, config); err != nil {
		return nil, err
	}
	return config, nil
}

func validate(config *Configuration) error {
	for name, remote := range config.Remotes {
		if _, err := reference.ParseNormalizedNamed(name); err != nil {
			return fmt.Errorf("invalid repository name %q: %w", name, err)
		}
		u, err := url.Parse(remote.URL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("remote %q: url must be absolute", name)
		}
		if remote.Repository != "" {
			if _, err := reference.ParseNormalizedNamed(remote.Repository); err != nil {
				return fmt.Errorf("remote %q: invalid upstream repository: %w", name, err)
			}
		}
		switch remote.Policy.Type() {
		case PolicyImmediate, PolicyOnDemand:
		default:
			return fmt.Errorf("remote %q: unknown policy %q", name, remote.Policy.Type())
		}
		if _, err := remote.Policy.Decode(); err != nil {
			return fmt.Errorf("remote %q: %w", name, err)
		}
	}
	return nil
}
