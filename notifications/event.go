// Package notifications delivers webhook events about published repository
// versions. Events are queued and retried per endpoint so a slow or failing
// receiver never blocks the sync pipeline.
package notifications

import (
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// EventsMediaType is the content type the envelope is posted with.
const EventsMediaType = "application/vnd.ocimirror.events.v1+json"

// Event actions.
const (
	EventActionSyncCompleted = "sync.completed"
	EventActionTagUpdated    = "tag.updated"
)

// Event describes one observable change in a mirrored repository.
type Event struct {
	// ID is unique per event, useful for receiver-side deduplication.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`

	Repository string `json:"repository"`

	// Version is the repository version number the change belongs to.
	Version int `json:"version"`

	// Tag and Target are set on tag.updated events.
	Tag    string        `json:"tag,omitempty"`
	Target digest.Digest `json:"target,omitempty"`
}

// Envelope is the JSON body posted to endpoints. Events from one publication
// are batched into a single envelope.
type Envelope struct {
	Events []Event `json:"events"`
}

func newEvent(action string) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Action:    action,
	}
}
