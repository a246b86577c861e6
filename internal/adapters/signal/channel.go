package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// signalEvent is the broadcast event name every signaling message travels under.
const signalEvent = "signal"

type Options struct {
	SubscribeTimeout time.Duration
	Now              func() time.Time
}

// Channel is one client's view of a room topic: who else is present, and the
// signaling messages addressed to it.
type Channel struct {
	self domain.Participant
	sub  core.Subscription

	presence chan []domain.Participant
	messages chan domain.SignalMessage
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	others map[domain.UserID]domain.Participant
	closed bool
	once   sync.Once

	logger zerolog.Logger
}

// Join subscribes to the room topic and starts publishing the local presence once
// the transport confirms the subscription. A subscription that never confirms
// fails with domain.ErrSignalingTimeout.
func Join(ctx context.Context, t core.Transport, room domain.RoomID, self domain.Participant, opts Options) (*Channel, error) {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.With().Str("module", "signal").Str("room", string(room)).Str("self", string(self.ID)).Logger()

	sub, err := t.Subscribe(ctx, room.Topic())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", room.Topic(), err)
	}

	timer := time.NewTimer(opts.SubscribeTimeout)
	defer timer.Stop()
	select {
	case <-sub.Ready():
	case <-timer.C:
		_ = sub.Close()
		logger.Error().Dur("timeout", opts.SubscribeTimeout).Msg("subscription never confirmed")
		return nil, fmt.Errorf("room %s: %w", room, domain.ErrSignalingTimeout)
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	}

	c := &Channel{
		self:     self,
		sub:      sub,
		presence: make(chan []domain.Participant, 1),
		messages: make(chan domain.SignalMessage, 64),
		done:     make(chan struct{}),
		others:   make(map[domain.UserID]domain.Participant),
		logger:   logger,
	}
	c.wg.Add(1)
	go c.pump()

	rec := domain.PresenceRecord{Identity: self.ID, DisplayName: self.DisplayName, JoinedAt: opts.Now().UTC()}
	if err := sub.Track(ctx, rec); err != nil {
		return nil, multierr.Append(fmt.Errorf("track presence: %w", err), c.Leave(ctx))
	}
	logger.Info().Msg("joined")
	return c, nil
}

// Presence delivers the set of other participants after every presence sync.
// Only the latest snapshot is kept when the reader falls behind.
func (c *Channel) Presence() <-chan []domain.Participant { return c.presence }

// Messages delivers signaling messages addressed to the local participant.
func (c *Channel) Messages() <-chan domain.SignalMessage { return c.messages }

func (c *Channel) PresenceSnapshot() []domain.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// PresenceCount counts the local participant too.
func (c *Channel) PresenceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.others) + 1
}

func (c *Channel) snapshotLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(c.others))
	for _, p := range c.others {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Send publishes msg on the room topic. Delivery is not guaranteed.
func (c *Channel) Send(ctx context.Context, msg domain.SignalMessage) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return domain.ErrChannelClosed
	}
	msg.From = c.self.ID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind, err)
	}
	if err := c.sub.Broadcast(ctx, signalEvent, data); err != nil {
		return fmt.Errorf("broadcast %s to %s: %w", msg.Kind, msg.To, err)
	}
	c.logger.Debug().Str("kind", string(msg.Kind)).Str("to", string(msg.To)).Msg("sent")
	return nil
}

// Leave stops presence, unsubscribes and closes both streams. Safe to call twice.
func (c *Channel) Leave(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err = multierr.Append(c.sub.Untrack(ctx), c.sub.Close())
		close(c.done)
		c.wg.Wait()
		c.logger.Info().Msg("left")
	})
	return err
}

func (c *Channel) pump() {
	defer c.wg.Done()
	defer close(c.messages)
	defer close(c.presence)

	for ev := range c.sub.Events() {
		switch ev.Kind {
		case core.EventPresenceSync:
			c.applyPresence(ev.Presence)
		case core.EventBroadcast:
			if ev.Event != signalEvent {
				continue
			}
			c.deliver(ev.Payload)
		}
	}
}

func (c *Channel) applyPresence(records []domain.PresenceRecord) {
	c.mu.Lock()
	c.others = make(map[domain.UserID]domain.Participant, len(records))
	for _, r := range records {
		if r.Identity == c.self.ID || r.Identity == "" {
			continue
		}
		c.others[r.Identity] = r.Participant()
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	for {
		select {
		case c.presence <- snap:
			return
		case <-c.done:
			return
		default:
			select {
			case <-c.presence:
			default:
			}
		}
	}
}

func (c *Channel) deliver(payload []byte) {
	var msg domain.SignalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("bad signal payload")
		return
	}
	if msg.To != c.self.ID || msg.From == c.self.ID {
		return
	}
	if !msg.Kind.Valid() || msg.From == "" {
		c.logger.Warn().Str("kind", string(msg.Kind)).Str("from", string(msg.From)).Msg("dropping malformed signal")
		return
	}
	select {
	case c.messages <- msg:
	case <-c.done:
	}
}
