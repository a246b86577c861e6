// Package memory is an in-process pub/sub transport with presence.
// Every topic keeps its subscribers and the presence records they track.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("subscription closed")

type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*subscription]struct{}

	// hold, when set, keeps new subscriptions from becoming ready.
	hold bool
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*subscription]struct{})}
}

// HoldSubscriptions makes later subscriptions never reach the ready state,
// the way a transport that cannot connect behaves.
func (h *Hub) HoldSubscriptions(hold bool) {
	h.mu.Lock()
	h.hold = hold
	h.mu.Unlock()
}

func (h *Hub) Subscribe(_ context.Context, topic string) (core.Subscription, error) {
	s := &subscription{
		hub:    h,
		topic:  topic,
		ready:  make(chan struct{}),
		events: make(chan core.TransportEvent, 64),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	hold := h.hold
	h.mu.Unlock()

	if !hold {
		close(s.ready)
		h.syncPresence(topic)
	}
	log.Debug().Str("module", "transport.memory").Str("topic", topic).Msg("subscribed")
	return s, nil
}

// Presence returns the tracked records of a topic.
func (h *Hub) Presence(topic string) []domain.PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presenceLocked(topic)
}

func (h *Hub) presenceLocked(topic string) []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0)
	for s := range h.topics[topic] {
		if s.tracked != nil {
			out = append(out, *s.tracked)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// syncPresence queues the snapshot while still holding h.mu, so concurrent
// changes reach every subscriber in the order they happened.
func (h *Hub) syncPresence(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.presenceLocked(topic)
	for s := range h.topics[topic] {
		if s.isReady() {
			s.enqueue(core.TransportEvent{Kind: core.EventPresenceSync, Presence: snap})
		}
	}
}

func (h *Hub) broadcast(from *subscription, event string, payload []byte) {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.topics[from.topic]))
	for s := range h.topics[from.topic] {
		if s != from && s.isReady() {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()

	data := append([]byte(nil), payload...)
	for _, s := range subs {
		s.enqueue(core.TransportEvent{Kind: core.EventBroadcast, Event: event, Payload: data})
	}
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	if subs, ok := h.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.topic)
		}
	}
	h.mu.Unlock()
}

type subscription struct {
	hub   *Hub
	topic string
	ready chan struct{}

	// tracked is guarded by hub.mu.
	tracked *domain.PresenceRecord

	mu      sync.Mutex
	queue   []core.TransportEvent
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	events  chan core.TransportEvent
	closeMu sync.Once
}

func (s *subscription) Ready() <-chan struct{}               { return s.ready }
func (s *subscription) Events() <-chan core.TransportEvent { return s.events }

func (s *subscription) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Track(_ context.Context, rec domain.PresenceRecord) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.hub.mu.Lock()
	r := rec
	s.tracked = &r
	s.hub.mu.Unlock()
	s.hub.syncPresence(s.topic)
	return nil
}

func (s *subscription) Untrack(_ context.Context) error {
	s.hub.mu.Lock()
	had := s.tracked != nil
	s.tracked = nil
	s.hub.mu.Unlock()
	if had {
		s.hub.syncPresence(s.topic)
	}
	return nil
}

func (s *subscription) Broadcast(_ context.Context, event string, payload []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.hub.broadcast(s, event, payload)
	return nil
}

func (s *subscription) Close() error {
	s.closeMu.Do(func() {
		s.hub.mu.Lock()
		had := s.tracked != nil
		s.tracked = nil
		s.hub.mu.Unlock()
		s.hub.remove(s)

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		if had {
			s.hub.syncPresence(s.topic)
		}
		log.Debug().Str("module", "transport.memory").Str("topic", s.topic).Msg("unsubscribed")
	})
	return nil
}

// enqueue never blocks the publisher; pump drains the queue in order.
func (s *subscription) enqueue(ev core.TransportEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
