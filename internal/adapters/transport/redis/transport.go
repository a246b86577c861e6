// Package redis implements the room pub/sub transport on Redis.
//
// Broadcasts go through PUBLISH on one channel per topic. Presence is one key per
// member with a TTL refreshed by a heartbeat, plus a member set used to enumerate
// them. Any change publishes a presence frame; every subscriber answers it by
// re-reading the set and emitting a presence sync.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("subscription closed")

const (
	frameBroadcast = "broadcast"
	framePresence  = "presence"
)

type frame struct {
	Type    string `json:"type"`
	Origin  string `json:"origin"`
	Event   string `json:"event,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

type Options struct {
	Prefix          string
	HeartbeatPeriod time.Duration
	PresenceTTL     time.Duration
}

type Transport struct {
	client *redis.Client
	opts   Options
}

// Connect opens a client and checks it with a PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("module", "transport.redis").Str("addr", cfg.Addr).Msg("connected")
	return client, nil
}

func New(client *redis.Client, opts Options) *Transport {
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = 15 * time.Second
	}
	if opts.PresenceTTL <= opts.HeartbeatPeriod {
		opts.PresenceTTL = 3 * opts.HeartbeatPeriod
	}
	return &Transport{client: client, opts: opts}
}

func (t *Transport) channel(topic string) string  { return t.opts.Prefix + "topic:" + topic }
func (t *Transport) memberSet(topic string) string { return t.opts.Prefix + "presence:" + topic }
func (t *Transport) memberKey(topic string, id domain.UserID) string {
	return t.opts.Prefix + "presence:" + topic + ":" + string(id)
}

func (t *Transport) Subscribe(ctx context.Context, topic string) (core.Subscription, error) {
	ps := t.client.Subscribe(ctx, t.channel(topic))
	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		t:      t,
		topic:  topic,
		origin: uuid.NewString(),
		ps:     ps,
		ready:  make(chan struct{}),
		events: make(chan core.TransportEvent, 64),
		ctx:    runCtx,
		cancel: cancel,
		logger: log.With().Str("module", "transport.redis").Str("topic", topic).Logger(),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

type subscription struct {
	t      *Transport
	topic  string
	origin string
	ps     *redis.PubSub
	ready  chan struct{}
	events chan core.TransportEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu      sync.Mutex
	tracked *domain.PresenceRecord
	closed  bool
	once    sync.Once
}

func (s *subscription) Ready() <-chan struct{}               { return s.ready }
func (s *subscription) Events() <-chan core.TransportEvent { return s.events }

func (s *subscription) run() {
	defer s.wg.Done()
	defer close(s.events)

	// The first reply on a fresh PubSub is the subscribe confirmation.
	if _, err := s.ps.Receive(s.ctx); err != nil {
		s.logger.Error().Err(err).Msg("subscribe not confirmed")
		<-s.ctx.Done()
		return
	}
	close(s.ready)
	s.logger.Info().Msg("subscribed")
	s.sync()

	msgs := s.ps.Channel()
	ticker := time.NewTicker(s.t.opts.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(msg.Payload)
		case <-ticker.C:
			s.heartbeat()
			s.sync()
		}
	}
}

func (s *subscription) handle(raw string) {
	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		s.logger.Warn().Err(err).Msg("bad frame")
		return
	}
	switch f.Type {
	case framePresence:
		s.sync()
	case frameBroadcast:
		if f.Origin == s.origin {
			return
		}
		s.emit(core.TransportEvent{Kind: core.EventBroadcast, Event: f.Event, Payload: f.Payload})
	default:
		s.logger.Warn().Str("type", f.Type).Msg("unknown frame")
	}
}

func (s *subscription) emit(ev core.TransportEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// sync reads the member set, prunes expired members and emits the snapshot.
func (s *subscription) sync() {
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	client := s.t.client

	ids, err := client.SMembers(ctx, s.t.memberSet(s.topic)).Result()
	if err != nil {
		s.logger.Error().Err(err).Msg("presence members")
		return
	}
	records := make([]domain.PresenceRecord, 0, len(ids))
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.t.memberKey(s.topic, domain.UserID(id))
		}
		vals, err := client.MGet(ctx, keys...).Result()
		if err != nil {
			s.logger.Error().Err(err).Msg("presence mget")
			return
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Expired: the owner stopped heart-beating.
				client.SRem(ctx, s.t.memberSet(s.topic), ids[i])
				continue
			}
			var rec domain.PresenceRecord
			if err := json.Unmarshal([]byte(str), &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Identity < records[j].Identity })
	s.emit(core.TransportEvent{Kind: core.EventPresenceSync, Presence: records})
}

func (s *subscription) heartbeat() {
	s.mu.Lock()
	rec := s.tracked
	s.mu.Unlock()
	if rec == nil {
		return
	}
	if err := s.writePresence(s.ctx, *rec); err != nil {
		s.logger.Error().Err(err).Msg("presence heartbeat")
	}
}

func (s *subscription) writePresence(ctx context.Context, rec domain.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.t.memberKey(s.topic, rec.Identity), data, s.t.opts.PresenceTTL)
		p.SAdd(ctx, s.t.memberSet(s.topic), string(rec.Identity))
		return nil
	})
	return err
}

func (s *subscription) publish(ctx context.Context, f frame) error {
	f.Origin = s.origin
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.t.client.Publish(ctx, s.t.channel(s.topic), data).Err()
}

func (s *subscription) Track(ctx context.Context, rec domain.PresenceRecord) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	r := rec
	s.tracked = &r
	s.mu.Unlock()

	if err := s.writePresence(ctx, rec); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return s.publish(ctx, frame{Type: framePresence})
}

func (s *subscription) Untrack(ctx context.Context) error {
	s.mu.Lock()
	rec := s.tracked
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	_, err := s.t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.t.memberKey(s.topic, rec.Identity))
		p.SRem(ctx, s.t.memberSet(s.topic), string(rec.Identity))
		return nil
	})
	if err != nil {
		// Still tracked; a later Untrack or Close retries.
		return fmt.Errorf("untrack presence: %w", err)
	}
	s.mu.Lock()
	if s.tracked == rec {
		s.tracked = nil
	}
	s.mu.Unlock()
	return s.publish(ctx, frame{Type: framePresence})
}

func (s *subscription) Broadcast(ctx context.Context, event string, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.publish(ctx, frame{Type: frameBroadcast, Event: event, Payload: payload})
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if uerr := s.Untrack(ctx); uerr != nil {
			err = uerr
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		if cerr := s.ps.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.wg.Wait()
		s.logger.Info().Msg("unsubscribed")
	})
	return err
}
