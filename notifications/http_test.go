package notifications

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	events "github.com/docker/go-events"
	"github.com/opencontainers/go-digest"

	"github.com/ocimirror/ocimirror/model"
)

func TestHTTPSinkDelivery(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != EventsMediaType {
			t.Errorf("content type = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("authorization = %q", got)
		}
		var envelope Envelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			t.Errorf("decoding envelope: %v", err)
		}
		received <- envelope
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hs := &httpSink{
		url:     srv.URL,
		headers: http.Header{"Authorization": []string{"Bearer sekrit"}},
		client:  &http.Client{Timeout: time.Second},
	}
	defer hs.Close()

	event := newEvent(EventActionSyncCompleted)
	event.Repository = "library/app"
	event.Version = 7
	if err := hs.Write(Envelope{Events: []Event{event}}); err != nil {
		t.Fatal(err)
	}

	envelope := <-received
	if len(envelope.Events) != 1 {
		t.Fatalf("events = %d", len(envelope.Events))
	}
	if envelope.Events[0].Action != EventActionSyncCompleted || envelope.Events[0].Version != 7 {
		t.Errorf("event = %+v", envelope.Events[0])
	}
}

func TestHTTPSinkBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hs := &httpSink{url: srv.URL, client: &http.Client{Timeout: time.Second}}
	defer hs.Close()

	if err := hs.Write(Envelope{}); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestHTTPSinkClosed(t *testing.T) {
	hs := &httpSink{url: "http://localhost:0", client: &http.Client{Timeout: time.Second}}
	if err := hs.Close(); err != nil {
		t.Fatal(err)
	}
	if err := hs.Write(Envelope{}); !errors.Is(err, events.ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed, got %v", err)
	}
}

func TestBroadcasterSyncCompleted(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope Envelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			t.Errorf("decoding envelope: %v", err)
		}
		received <- envelope
	}))
	defer srv.Close()

	b := NewBroadcaster(NewEndpoint(EndpointConfig{Name: "test", URL: srv.URL}))
	defer b.Close()

	target := digest.FromString("tagged manifest")
	b.SyncCompleted("library/app", &model.RepositoryVersion{
		Repository: "library/app",
		Number:     3,
		Tags:       map[string]digest.Digest{"latest": target},
	})

	select {
	case envelope := <-received:
		if len(envelope.Events) != 2 {
			t.Fatalf("events = %d, expected sync.completed plus one tag.updated", len(envelope.Events))
		}
		if envelope.Events[0].Action != EventActionSyncCompleted {
			t.Errorf("first event = %s", envelope.Events[0].Action)
		}
		tagged := envelope.Events[1]
		if tagged.Action != EventActionTagUpdated || tagged.Tag != "latest" || tagged.Target != target {
			t.Errorf("tag event = %+v", tagged)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was not delivered")
	}
}
