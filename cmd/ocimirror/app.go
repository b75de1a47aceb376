package main

import (
	"github.com/ocimirror/ocimirror/cache"
	"github.com/ocimirror/ocimirror/configuration"
	"github.com/ocimirror/ocimirror/notifications"
	"github.com/ocimirror/ocimirror/remote"
	"github.com/ocimirror/ocimirror/serve"
	"github.com/ocimirror/ocimirror/storage/inmemory"
	"github.com/ocimirror/ocimirror/sync"
)

// app holds the wired collaborators shared by the serve and sync commands.
type app struct {
	config      *configuration.Configuration
	store       *inmemory.Store
	cache       cache.Cache
	broadcaster *notifications.Broadcaster
	pipelines   map[string]*sync.Pipeline
	remotes     map[string]sync.Registry
	pullThrough map[string]serve.PullThrough
}

func newApp(config *configuration.Configuration) (*app, error) {
	a := &app{
		config:      config,
		store:       inmemory.New(),
		cache:       cache.NewNoop(),
		pipelines:   make(map[string]*sync.Pipeline),
		remotes:     make(map[string]sync.Registry),
		pullThrough: make(map[string]serve.PullThrough),
	}

	if config.Redis.Addr != "" {
		a.cache = cache.NewRedis(cache.NewRedisPool(config.Redis.Addr))
	}

	var endpoints []*notifications.Endpoint
	for _, ec := range config.Notifications.Endpoints {
		if ec.Disabled {
			continue
		}
		endpoints = append(endpoints, notifications.NewEndpoint(notifications.EndpointConfig{
			Name:      ec.Name,
			URL:       ec.URL,
			Headers:   ec.Headers,
			Timeout:   ec.Timeout,
			Threshold: ec.Threshold,
			Backoff:   ec.Backoff,
		}))
	}
	if len(endpoints) > 0 {
		a.broadcaster = notifications.NewBroadcaster(endpoints...)
	}

	for name, rc := range config.Remotes {
		upstream := rc.Repository
		if upstream == "" {
			upstream = name
		}
		client, err := remote.New(remote.Options{
			URL:        rc.URL,
			Repository: upstream,
			Username:   rc.Username,
			Password:   rc.Password,
			Proxy:      rc.Proxy,
			Timeout:    rc.Timeout,
			Retries:    rc.Retries,
			UserAgent:  "ocimirror",
		})
		if err != nil {
			return nil, err
		}

		params, err := rc.Policy.Decode()
		if err != nil {
			return nil, err
		}
		pipeline, err := sync.New(sync.Options{
			Registry:   client,
			Store:      a.store,
			Versions:   a.store,
			Repository: name,
			Policy: sync.Policy{
				Mirror:               params.Mirror,
				OnDemand:             rc.Policy.Type() == configuration.PolicyOnDemand,
				IncludeForeignLayers: params.IncludeForeignLayers,
				Include:              rc.Include,
				Exclude:              rc.Exclude,
			},
			Events:      a.broadcaster,
			Invalidator: a.cache,
		})
		if err != nil {
			return nil, err
		}

		a.pipelines[name] = pipeline
		a.remotes[name] = client
		if rc.PullThrough {
			a.pullThrough[name] = pipeline
		}
	}
	return a, nil
}

func (a *app) server() *serve.Server {
	return serve.New(serve.Options{
		Store:       a.store,
		Versions:    a.store,
		Cache:       a.cache,
		PullThrough: a.pullThrough,
		Remotes:     a.remotes,
	})
}

func (a *app) close() {
	if a.broadcaster != nil {
		_ = a.broadcaster.Close()
	}
}
