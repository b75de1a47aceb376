package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	events "github.com/docker/go-events"
)

// EndpointConfig describes one webhook receiver.
type EndpointConfig struct {
	Name    string
	URL     string
	Headers http.Header
	Timeout time.Duration

	// Threshold and Backoff drive the retry breaker: after Threshold
	// consecutive failures delivery pauses for Backoff.
	Threshold int
	Backoff   time.Duration
}

func (ec *EndpointConfig) defaults() {
	if ec.Timeout <= 0 {
		ec.Timeout = time.Second
	}
	if ec.Threshold <= 0 {
		ec.Threshold = 10
	}
	if ec.Backoff <= 0 {
		ec.Backoff = time.Second
	}
}

// httpSink posts event envelopes to a single URL. It implements
// events.Sink and is always placed behind a queue and a retrying sink, so
// Write only ever sees one delivery attempt at a time.
type httpSink struct {
	url     string
	headers http.Header
	client  *http.Client

	mu     sync.Mutex
	closed bool
}

func (hs *httpSink) Write(event events.Event) error {
	hs.mu.Lock()
	if hs.closed {
		hs.mu.Unlock()
		return events.ErrSinkClosed
	}
	hs.mu.Unlock()

	envelope, ok := event.(Envelope)
	if !ok {
		return fmt.Errorf("notifications: unexpected event type %T", event)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, hs.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", EventsMediaType)
	for k, values := range hs.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := hs.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("notifications: endpoint returned %s", resp.Status)
	}
	return nil
}

func (hs *httpSink) Close() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.closed = true
	hs.client.CloseIdleConnections()
	return nil
}

// Endpoint is a queued, retrying delivery chain to one receiver.
type Endpoint struct {
	name string
	sink events.Sink
}

// NewEndpoint builds the sink chain for a receiver: an unbounded queue in
// front of a retrying sink in front of the HTTP poster.
func NewEndpoint(config EndpointConfig) *Endpoint {
	config.defaults()
	hs := &httpSink{
		url:     config.URL,
		headers: config.Headers,
		client:  &http.Client{Timeout: config.Timeout},
	}
	retrying := events.NewRetryingSink(hs, events.NewBreaker(config.Threshold, config.Backoff))
	return &Endpoint{
		name: config.Name,
		sink: events.NewQueue(retrying),
	}
}

// Name identifies the endpoint in configuration and logs.
func (e *Endpoint) Name() string { return e.name }

func (e *Endpoint) Write(event events.Event) error { return e.sink.Write(event) }

func (e *Endpoint) Close() error { return e.sink.Close() }
