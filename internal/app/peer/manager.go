// Package peer drives one peer connection per remote participant of a mesh call.
//
// Every input (presence snapshots, inbound signals, callbacks of the native
// connections, track replacement, close) becomes an event processed in order by
// a single loop goroutine, which is the only owner of the session map.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateICEExchanging
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateICEExchanging:
		return "ice-exchanging"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", b)
}

// Sender publishes signaling messages. *signal.Channel is a Sender.
type Sender interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
}

type SessionInfo struct {
	Participant domain.Participant `json:"participant"`
	State       State              `json:"state"`
}

type Options struct {
	Self    domain.UserID
	Factory core.ConnectionFactory
	Signals Sender
	// LocalTracks lists the tracks every new connection sends.
	LocalTracks func() []webrtc.TrackLocal
	Surface     *Surface
	// UnseenGrace bounds how long a session opened by signaling may live without
	// its participant showing up in presence; 10s when zero.
	UnseenGrace time.Duration
	// Now is time.Now when nil.
	Now func() time.Time
}

type session struct {
	participant domain.Participant
	conn        core.PeerConnection
	state       State
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	gen         uint64
	// seen is set once presence reported the participant.
	seen bool
	born time.Time
}

type Manager struct {
	self        domain.UserID
	factory     core.ConnectionFactory
	signals     Sender
	localTracks func() []webrtc.TrackLocal
	surface     *Surface
	unseenGrace time.Duration
	now         func() time.Time

	queue *eventQueue
	done  chan struct{}

	// Owned by the loop goroutine.
	sessions map[domain.UserID]*session
	known    map[domain.UserID]domain.Participant
	// departed holds ids presence dropped; stray candidates from them are ignored.
	departed map[domain.UserID]struct{}
	gen      uint64
	ctx      context.Context

	mu      sync.RWMutex
	view    map[domain.UserID]SessionInfo
	onState func(SessionInfo)

	logger zerolog.Logger
}

func NewManager(opts Options) *Manager {
	if opts.LocalTracks == nil {
		opts.LocalTracks = func() []webrtc.TrackLocal { return nil }
	}
	if opts.Surface == nil {
		opts.Surface = NewSurface()
	}
	if opts.UnseenGrace <= 0 {
		opts.UnseenGrace = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		self:        opts.Self,
		factory:     opts.Factory,
		signals:     opts.Signals,
		localTracks: opts.LocalTracks,
		surface:     opts.Surface,
		unseenGrace: opts.UnseenGrace,
		now:         opts.Now,
		queue:       newEventQueue(),
		done:        make(chan struct{}),
		sessions:    make(map[domain.UserID]*session),
		known:       make(map[domain.UserID]domain.Participant),
		departed:    make(map[domain.UserID]struct{}),
		ctx:         context.Background(),
		view:        make(map[domain.UserID]SessionInfo),
		logger:      log.With().Str("module", "peer").Str("self", string(opts.Self)).Logger(),
	}
}

// OnStateChange sets an observer called from the loop on every transition.
func (m *Manager) OnStateChange(fn func(SessionInfo)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) Surface() *Surface { return m.surface }

// Run processes events until ctx is done, then closes every session.
func (m *Manager) Run(ctx context.Context) {
	m.ctx = ctx
	m.logger.Info().Msg("peer loop started")
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll("shutdown")
			m.queue.stop()
			m.logger.Info().Msg("peer loop stopped")
			return
		case <-m.queue.ready():
			for _, ev := range m.queue.drain() {
				ev()
			}
		}
	}
}

// Done is closed once Run returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// HandlePresence feeds the current set of other participants.
func (m *Manager) HandlePresence(others []domain.Participant) {
	snap := append([]domain.Participant(nil), others...)
	m.queue.push(func() { m.onPresence(snap) })
}

// HandleSignal feeds one inbound signaling message addressed to self.
func (m *Manager) HandleSignal(msg domain.SignalMessage) {
	m.queue.push(func() { m.onSignal(msg) })
}

// ReplaceVideoTrack swaps the outgoing video of every open session in place.
// The returned error joins the failures of individual sessions.
func (m *Manager) ReplaceVideoTrack(ctx context.Context, track webrtc.TrackLocal) error {
	return m.call(ctx, func() error { return m.replaceVideo(track) })
}

// CloseAll closes every session and waits until it is done.
func (m *Manager) CloseAll(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.closeAll("local teardown")
		return nil
	})
}

func (m *Manager) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !m.queue.push(func() { reply <- fn() }) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions lists the open sessions sorted by participant id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.view))
	for _, info := range m.view {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant.ID < out[j].Participant.ID })
	return out
}

func (m *Manager) State(id domain.UserID) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.view[id]
	return info.State, ok
}

// --- loop side ---

func (m *Manager) onPresence(others []domain.Participant) {
	present := make(map[domain.UserID]domain.Participant, len(others))
	for _, p := range others {
		if p.ID == m.self || p.ID == "" {
			continue
		}
		present[p.ID] = p
	}
	for id := range m.known {
		if _, ok := present[id]; !ok {
			m.departed[id] = struct{}{}
		}
	}
	for id := range present {
		delete(m.departed, id)
	}
	m.known = present

	// Sessions opened by signaling before presence caught up are kept for a
	// grace period.
	now := m.now()
	for id, s := range m.sessions {
		if _, ok := present[id]; ok {
			continue
		}
		switch {
		case s.seen:
			m.departed[id] = struct{}{}
			m.closeSession(id, "left presence")
		case now.Sub(s.born) >= m.unseenGrace:
			m.closeSession(id, "never showed up in presence")
		}
	}

	ids := make([]domain.UserID, 0, len(present))
	for id := range present {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := present[id]
		s, ok := m.sessions[id]
		if !ok {
			if s = m.newSession(p); s == nil {
				continue
			}
		} else if s.participant.DisplayName != p.DisplayName {
			s.participant = p
			m.publish(s)
		}
		s.seen = true
		if s.state == StateIdle && domain.Initiates(m.self, id) {
			m.offer(s)
		}
	}
}

func (m *Manager) newSession(p domain.Participant) *session {
	logger := m.logger.With().Str("peer", string(p.ID)).Logger()
	conn, err := m.factory.NewConnection(p.ID)
	if err != nil {
		logger.Error().Err(err).Msg("create connection")
		return nil
	}
	m.gen++
	s := &session{participant: p, conn: conn, state: StateIdle, gen: m.gen, born: m.now()}
	_, s.seen = m.known[p.ID]
	id, gen := p.ID, s.gen

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.queue.push(func() { m.onLocalCandidate(id, gen, c) })
	})
	conn.OnStateChange(func(st webrtc.PeerConnectionState) {
		m.queue.push(func() { m.onConnectionState(id, gen, st) })
	})
	conn.OnTrack(func(t core.RemoteTrack) {
		m.queue.push(func() { m.onRemoteTrack(id, gen, t) })
	})

	for _, t := range m.localTracks() {
		if err := conn.AddLocalTrack(t); err != nil {
			m.sessions[id] = s
			m.fail(s, "add-track", err)
			return nil
		}
	}

	m.sessions[id] = s
	logger.Info().Msg("session created")
	m.publish(s)
	return s
}

func (m *Manager) lookup(id domain.UserID, gen uint64) *session {
	s, ok := m.sessions[id]
	if !ok || s.gen != gen {
		return nil
	}
	return s
}

func (m *Manager) offer(s *session) {
	sdp, err := s.conn.CreateOffer()
	if err != nil {
		m.fail(s, "create-offer", err)
		return
	}
	s.state = StateOffering
	m.publish(s)
	m.send(s, domain.SignalOffer, sdp)
}

func (m *Manager) onSignal(msg domain.SignalMessage) {
	if msg.To != m.self || msg.From == m.self || msg.From == "" {
		return
	}
	switch msg.Kind {
	case domain.SignalOffer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &sdp); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(msg.From)).Msg("bad offer payload")
			return
		}
		m.onOffer(msg.From, sdp)
	case domain.SignalAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &sdp); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(msg.From)).Msg("bad answer payload")
			return
		}
		m.onAnswer(msg.From, sdp)
	case domain.SignalIceCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(msg.From)).Msg("bad candidate payload")
			return
		}
		m.onRemoteCandidate(msg.From, c)
	}
}

func (m *Manager) participant(id domain.UserID) domain.Participant {
	if p, ok := m.known[id]; ok {
		return p
	}
	return domain.Participant{ID: id, DisplayName: string(id)}
}

func (m *Manager) onOffer(from domain.UserID, sdp webrtc.SessionDescription) {
	// A fresh offer means the participant is back, even before presence says so.
	delete(m.departed, from)
	s := m.sessions[from]
	// Candidates already buffered from the offerer still apply after a collision.
	var carry []webrtc.ICECandidateInit
	if s != nil {
		switch s.state {
		case StateOffering:
			if domain.Initiates(m.self, from) {
				m.logger.Warn().Str("peer", string(from)).Msg("glare: ignoring offer while offering")
				return
			}
			carry = s.pending
			m.closeSession(from, "offer collision")
			s = nil
		case StateICEExchanging, StateConnected:
			// The peer started over, e.g. after a reload.
			m.closeSession(from, "renegotiation from a fresh peer")
			s = nil
		}
	}
	if s == nil {
		if s = m.newSession(m.participant(from)); s == nil {
			return
		}
		s.pending = append(carry, s.pending...)
	}

	s.state = StateAnswering
	m.publish(s)
	answer, err := s.conn.ApplyOffer(sdp)
	if err != nil {
		m.fail(s, "apply-offer", err)
		return
	}
	s.remoteSet = true
	m.flush(s)
	m.send(s, domain.SignalAnswer, answer)
	s.state = StateICEExchanging
	m.publish(s)
}

func (m *Manager) onAnswer(from domain.UserID, sdp webrtc.SessionDescription) {
	s := m.sessions[from]
	if s == nil || s.state != StateOffering {
		state := "none"
		if s != nil {
			state = s.state.String()
		}
		m.logger.Warn().Str("peer", string(from)).Str("state", state).Msg("unexpected answer ignored")
		return
	}
	if err := s.conn.ApplyAnswer(sdp); err != nil {
		m.fail(s, "apply-answer", err)
		return
	}
	s.remoteSet = true
	m.flush(s)
	s.state = StateICEExchanging
	m.publish(s)
}

func (m *Manager) onRemoteCandidate(from domain.UserID, c webrtc.ICECandidateInit) {
	s := m.sessions[from]
	if s == nil {
		if _, gone := m.departed[from]; gone {
			m.logger.Debug().Str("peer", string(from)).Msg("candidate from departed participant dropped")
			return
		}
		// Candidates may overtake the offer or the presence sync.
		if s = m.newSession(m.participant(from)); s == nil {
			return
		}
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		m.logger.Debug().Str("peer", string(from)).Int("pending", len(s.pending)).Msg("candidate buffered")
		return
	}
	if err := s.conn.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(from)).Msg("add candidate")
	}
}

func (m *Manager) flush(s *session) {
	for _, c := range s.pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(s.participant.ID)).Msg("add buffered candidate")
		}
	}
	if len(s.pending) > 0 {
		m.logger.Debug().Str("peer", string(s.participant.ID)).Int("count", len(s.pending)).Msg("buffered candidates flushed")
	}
	s.pending = nil
}

func (m *Manager) onLocalCandidate(id domain.UserID, gen uint64, c webrtc.ICECandidateInit) {
	s := m.lookup(id, gen)
	if s == nil {
		return
	}
	m.send(s, domain.SignalIceCandidate, c)
}

func (m *Manager) onConnectionState(id domain.UserID, gen uint64, st webrtc.PeerConnectionState) {
	s := m.lookup(id, gen)
	if s == nil {
		return
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.state != StateConnected {
			s.state = StateConnected
			m.publish(s)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.closeSession(id, "connection "+st.String())
	}
}

func (m *Manager) onRemoteTrack(id domain.UserID, gen uint64, t core.RemoteTrack) {
	if m.lookup(id, gen) == nil {
		return
	}
	m.surface.Attach(id, t)
}

func (m *Manager) send(s *session, kind domain.SignalKind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error().Err(err).Str("kind", string(kind)).Msg("marshal signal")
		return
	}
	msg := domain.SignalMessage{Kind: kind, From: m.self, To: s.participant.ID, Payload: data}
	if err := m.signals.Send(m.ctx, msg); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(s.participant.ID)).Str("kind", string(kind)).Msg("signal not sent")
	}
}

func (m *Manager) fail(s *session, op string, err error) {
	nerr := &domain.NegotiationError{Peer: s.participant.ID, Op: op, Err: err}
	m.logger.Error().Err(nerr).Str("peer", string(s.participant.ID)).Msg("negotiation failed")
	m.closeSession(s.participant.ID, op+" failed")
}

func (m *Manager) replaceVideo(track webrtc.TrackLocal) error {
	var errs error
	for id, s := range m.sessions {
		if err := s.conn.ReplaceVideoTrack(track); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	return errs
}

func (m *Manager) closeSession(id domain.UserID, reason string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	s.state = StateClosed
	if err := s.conn.Close(); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(id)).Msg("close connection")
	}
	m.surface.Detach(id)
	m.logger.Info().Str("peer", string(id)).Str("reason", reason).Msg("session closed")
	m.publish(s)
}

func (m *Manager) closeAll(reason string) {
	for id := range m.sessions {
		m.closeSession(id, reason)
	}
}

func (m *Manager) publish(s *session) {
	info := SessionInfo{Participant: s.participant, State: s.state}
	m.mu.Lock()
	if s.state == StateClosed {
		delete(m.view, s.participant.ID)
	} else {
		m.view[s.participant.ID] = info
	}
	fn := m.onState
	m.mu.Unlock()

	m.logger.Debug().Str("peer", string(s.participant.ID)).Str("state", s.state.String()).Msg("session state")
	if fn != nil {
		fn(info)
	}
}
