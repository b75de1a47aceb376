package notifications

import (
	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"

	"github.com/ocimirror/ocimirror/model"
)

// Broadcaster fans event envelopes out to every configured endpoint. A nil
// method receiver is not supported; callers hold a *Broadcaster only when
// endpoints are configured.
type Broadcaster struct {
	sink events.Sink
}

// NewBroadcaster wires the endpoints into a single broadcast sink.
func NewBroadcaster(endpoints ...*Endpoint) *Broadcaster {
	sinks := make([]events.Sink, 0, len(endpoints))
	for _, e := range endpoints {
		sinks = append(sinks, e)
	}
	return &Broadcaster{sink: events.NewBroadcaster(sinks...)}
}

// SyncCompleted publishes one envelope describing a new repository version:
// a sync.completed event followed by a tag.updated event per tag.
func (b *Broadcaster) SyncCompleted(repository string, version *model.RepositoryVersion) {
	completed := newEvent(EventActionSyncCompleted)
	completed.Repository = repository
	completed.Version = version.Number

	envelope := Envelope{Events: []Event{completed}}
	for name, target := range version.Tags {
		e := newEvent(EventActionTagUpdated)
		e.Repository = repository
		e.Version = version.Number
		e.Tag = name
		e.Target = target
		envelope.Events = append(envelope.Events, e)
	}

	if err := b.sink.Write(envelope); err != nil {
		logrus.WithError(err).Error("failed to queue notification envelope")
	}
}

// Close shuts down every endpoint chain.
func (b *Broadcaster) Close() error {
	return b.sink.Close()
}
