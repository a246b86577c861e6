package core

import (
	"context"

	"github.com/dkeye/liveroom/internal/domain"
)

type TransportEventKind int

const (
	// EventPresenceSync carries the full presence set of the topic.
	EventPresenceSync TransportEventKind = iota
	// EventBroadcast carries one broadcast published by another subscriber.
	EventBroadcast
)

type TransportEvent struct {
	Kind     TransportEventKind
	Presence []domain.PresenceRecord
	Event    string
	Payload  []byte
}

// Subscription is one client's membership in a topic.
// Events is closed after Close.
type Subscription interface {
	// Ready is closed once the transport confirmed the subscription is active.
	Ready() <-chan struct{}
	Track(ctx context.Context, rec domain.PresenceRecord) error
	Untrack(ctx context.Context) error
	Broadcast(ctx context.Context, event string, payload []byte) error
	Events() <-chan TransportEvent
	Close() error
}

// Transport is the platform's topic-scoped pub/sub primitive with presence.
// Delivery is ordered per topic and fans out to every other subscriber.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
