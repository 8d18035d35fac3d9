package store

import (
	"time"

	"swiftpost/queue-service/internal/models"
)

const (
	EventTokenCreated   = "token.created"
	EventTokenCalled    = "token.called"
	EventTokenCompleted = "token.completed"
	EventCounterUpdated = "counter.updated"
)

// Event is handed to the Notifier once per committed state transition.
type Event struct {
	Type      string          `json:"type"`
	Token     *models.Token   `json:"token,omitempty"`
	Counter   *models.Counter `json:"counter,omitempty"`
	Stats     QueueStats      `json:"stats"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notifier fans events out to interested parties. Delivery guarantees are
// the implementation's concern; the store never retries a notification.
type Notifier interface {
	Notify(event Event)
}

// NopNotifier satisfies Notifier for deployments and tests without a live
// transport attached.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
