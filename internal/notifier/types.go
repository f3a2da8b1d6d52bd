package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	DedupWindow   time.Duration
}

// Sink is one delivery target (chat, email, webhook).
type Sink interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
}

// DedupStore persists suppress-until instants. storage.Store satisfies it.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type Alert struct {
	Subject string
	Body    string
}

// AlertEvent is published on the event bus for notifier lifecycle events.
type AlertEvent struct {
	Sink    string    `json:"sink,omitempty"`
	Subject string    `json:"subject"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

const (
	EventQueued  = "alert.queued"
	EventSent    = "alert.sent"
	EventFailed  = "alert.failed"
	EventDeduped = "alert.deduped"
	EventDropped = "alert.dropped"
)
