// Package session is the entry point the UI talks to: it opens and closes the
// local participant's meeting session by composing media capture, signaling,
// the peer mesh and the meeting record.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/adapters/signal"
	"github.com/dkeye/liveroom/internal/app/lifecycle"
	"github.com/dkeye/liveroom/internal/app/media"
	"github.com/dkeye/liveroom/internal/app/peer"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const closeTimeout = 5 * time.Second

type Deps struct {
	Devices     core.MediaDevices
	Transport   core.Transport
	Store       core.MeetingStore
	Connections core.ConnectionFactory
	Constraints core.MediaConstraints
	Signaling   signal.Options
	// Clock stamps meeting records; time.Now when nil.
	Clock func() time.Time
}

// call is everything one Open created.
type call struct {
	room      domain.RoomID
	self      domain.Participant
	media     *media.Controller
	channel   *signal.Channel
	peers     *peer.Manager
	surface   *peer.Surface
	record    domain.MeetingRecord
	cancel    context.CancelFunc
	watchDone chan struct{}

	mu      sync.Mutex
	meeting *domain.MeetingRecord
}

type Session struct {
	deps      Deps
	lifecycle *lifecycle.Manager

	mu      sync.Mutex
	active  *call
	opening bool

	feed   *feed
	logger zerolog.Logger
}

func New(deps Deps) *Session {
	if deps.Constraints == (core.MediaConstraints{}) {
		deps.Constraints = core.MediaConstraints{Audio: true, Video: true}
	}
	var opts []lifecycle.Option
	if deps.Clock != nil {
		opts = append(opts, lifecycle.WithClock(deps.Clock))
	}
	return &Session{
		deps:      deps,
		lifecycle: lifecycle.NewManager(deps.Store, opts...),
		feed:      newFeed(),
		logger:    log.With().Str("module", "session").Logger(),
	}
}

// Open acquires local media, joins the room channel and makes sure the room has
// an open meeting record, in that order. A failed step undoes the earlier ones.
func (s *Session) Open(ctx context.Context, room domain.RoomID, self domain.Participant) error {
	s.mu.Lock()
	if s.active != nil || s.opening {
		s.mu.Unlock()
		return domain.ErrAlreadyOpen
	}
	s.opening = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.opening = false
		s.mu.Unlock()
	}()

	logger := s.logger.With().Str("room", string(room)).Str("self", string(self.ID)).Logger()

	ctrl := media.NewController(s.deps.Devices, string(self.ID))
	if _, err := ctrl.Acquire(ctx, s.deps.Constraints); err != nil {
		logger.Error().Err(err).Msg("open: media")
		return err
	}

	ch, err := signal.Join(ctx, s.deps.Transport, room, self, s.deps.Signaling)
	if err != nil {
		ctrl.StopAll()
		logger.Error().Err(err).Msg("open: signaling")
		return err
	}

	rec, err := s.lifecycle.EnsureOpenRecord(ctx, room, self.ID)
	if err != nil {
		ctrl.StopAll()
		if lerr := ch.Leave(ctx); lerr != nil {
			err = multierr.Append(err, lerr)
		}
		logger.Error().Err(err).Msg("open: meeting record")
		return err
	}

	surface := peer.NewSurface()
	peers := peer.NewManager(peer.Options{
		Self:        self.ID,
		Factory:     s.deps.Connections,
		Signals:     ch,
		LocalTracks: ctrl.Outgoing,
		Surface:     surface,
	})
	c := &call{
		room:      room,
		self:      self,
		media:     ctrl,
		channel:   ch,
		peers:     peers,
		surface:   surface,
		record:    rec,
		meeting:   &rec,
		watchDone: make(chan struct{}),
	}

	ctrl.OnVideoSwitch(peers.ReplaceVideoTrack)
	ctrl.OnChange(func(st media.LocalState) {
		s.feed.publish(Event{Kind: EventMedia, Room: room, Media: mediaSnapshot(st)})
	})
	peers.OnStateChange(func(info peer.SessionInfo) {
		s.feed.publish(Event{Kind: EventPeer, Room: room, Peer: &info})
	})
	surface.OnAttach(func(info peer.RemoteTrackInfo) {
		s.feed.publish(Event{Kind: EventRemoteTrack, Room: room, Track: &info})
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go peers.Run(runCtx)
	go s.watch(runCtx, c)

	s.mu.Lock()
	s.active = c
	s.mu.Unlock()

	logger.Info().Str("record", rec.ID).Msg("session open")
	s.feed.publish(Event{Kind: EventMeeting, Room: room, Meeting: &rec})
	return nil
}

// watch feeds presence and signaling into the peer manager and ends the meeting
// record when the room empties out.
func (s *Session) watch(ctx context.Context, c *call) {
	defer close(c.watchDone)
	logger := s.logger.With().Str("room", string(c.room)).Str("self", string(c.self.ID)).Logger()

	presence := c.channel.Presence()
	messages := c.channel.Messages()
	last := -1
	for presence != nil || messages != nil {
		select {
		case snap, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			c.peers.HandlePresence(snap)
			s.feed.publish(Event{Kind: EventPresence, Room: c.room, Participants: snap})

			// The first snapshot may count only self; closing then would end a
			// meeting that just started.
			count := len(snap) + 1
			if last >= 0 && count < last {
				s.closeIfLast(ctx, c, &logger)
			}
			last = count
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			c.peers.HandleSignal(msg)
		}
	}
}

func (s *Session) closeIfLast(ctx context.Context, c *call, logger *zerolog.Logger) {
	closed, err := s.lifecycle.CloseIfLast(ctx, c.room, c.channel)
	if err != nil {
		logger.Error().Err(err).Msg("close meeting record")
		return
	}
	if closed {
		c.mu.Lock()
		c.meeting = nil
		c.mu.Unlock()
		rec := c.record
		s.feed.publish(Event{Kind: EventMeeting, Room: c.room, Meeting: &rec, Ended: true})
	}
}

// Close tears the session down in order: local tracks, peer sessions, the
// channel, then the meeting record. Every step runs whatever happened before;
// their errors are joined. Teardown outlives a cancelled ctx for up to
// closeTimeout. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	s.mu.Lock()
	c := s.active
	s.active = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	logger := s.logger.With().Str("room", string(c.room)).Str("self", string(c.self.ID)).Logger()

	var errs error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("step", name).Msg("close step panicked")
				errs = multierr.Append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			logger.Error().Err(err).Str("step", name).Msg("close step failed")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("stop local tracks", func() error {
		c.media.StopAll()
		return nil
	})
	step("close peer sessions", func() error {
		c.cancel()
		err := c.peers.CloseAll(ctx)
		select {
		case <-c.peers.Done():
		case <-ctx.Done():
			err = multierr.Append(err, ctx.Err())
		}
		return err
	})
	step("leave channel", func() error {
		err := c.channel.Leave(ctx)
		select {
		case <-c.watchDone:
		case <-ctx.Done():
		}
		return err
	})
	step("close meeting record", func() error {
		_, err := s.lifecycle.CloseIfLast(ctx, c.room, c.channel)
		return err
	})

	logger.Info().Err(errs).Msg("session closed")
	s.feed.publish(Event{Kind: EventClosed, Room: c.room})
	return errs
}

func (s *Session) current() (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, domain.ErrNotOpen
	}
	return s.active, nil
}

func (s *Session) SetAudioEnabled(enabled bool) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.media.SetAudioEnabled(enabled)
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.media.SetVideoEnabled(enabled)
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	_, err = c.media.StartScreenShare(ctx)
	return err
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.media.StopScreenShare(ctx)
}

// AddRemoteSink renders the given kind of media from participant id into sink.
func (s *Session) AddRemoteSink(id domain.UserID, kind webrtc.RTPCodecType, name string, sink peer.Sink) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	c.surface.AddSink(id, kind, name, sink)
	return nil
}

func (s *Session) RemoveRemoteSink(id domain.UserID, name string) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	c.surface.RemoveSink(id, name)
	return nil
}

// Subscribe returns a stream of session events and a func to stop it. Slow
// readers lose events rather than block the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.feed.subscribe()
}

func (s *Session) Snapshot() Snapshot {
	c, err := s.current()
	if err != nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Open:         true,
		Room:         c.room,
		Self:         c.self,
		Participants: c.channel.PresenceSnapshot(),
		Peers:        c.peers.Sessions(),
		Media:        *mediaSnapshot(c.media.State()),
		RemoteTracks: c.surface.Tracks(),
	}
	c.mu.Lock()
	if c.meeting != nil {
		rec := *c.meeting
		snap.Meeting = &rec
	}
	c.mu.Unlock()
	return snap
}
