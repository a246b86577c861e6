package peer

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink consumes the RTP of one remote track. *webrtc.TrackLocalStaticRTP is a Sink.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

type sinkState int32

const (
	sinkOk sinkState = iota
	sinkDelete
)

type sinkEntry struct {
	name  string
	kind  webrtc.RTPCodecType
	sink  Sink
	state atomic.Int32
}

// RemoteTrackInfo describes a remote track shown on the surface.
type RemoteTrackInfo struct {
	Participant domain.UserID       `json:"participant"`
	TrackID     string              `json:"track_id"`
	StreamID    string              `json:"stream_id"`
	Kind        webrtc.RTPCodecType `json:"kind"`
}

// feed pumps one remote track into the participant's sinks.
type feed struct {
	src    core.RemoteTrack
	cancel context.CancelFunc
}

type tile struct {
	feeds map[string]*feed
	sinks map[string]*sinkEntry
}

// Surface is where remote media is rendered, keyed by participant id.
type Surface struct {
	mu       sync.RWMutex
	tiles    map[domain.UserID]*tile
	onAttach func(RemoteTrackInfo)
}

func NewSurface() *Surface {
	return &Surface{tiles: make(map[domain.UserID]*tile)}
}

// OnAttach sets an observer for newly attached remote tracks.
func (s *Surface) OnAttach(fn func(RemoteTrackInfo)) {
	s.mu.Lock()
	s.onAttach = fn
	s.mu.Unlock()
}

func (s *Surface) tileLocked(id domain.UserID) *tile {
	t, ok := s.tiles[id]
	if !ok {
		t = &tile{feeds: make(map[string]*feed), sinks: make(map[string]*sinkEntry)}
		s.tiles[id] = t
	}
	return t
}

// Attach starts rendering track for participant id, replacing a track with the
// same id.
func (s *Surface) Attach(id domain.UserID, track core.RemoteTrack) {
	logger := log.With().
		Str("module", "surface").
		Str("peer", string(id)).
		Str("track_id", track.ID()).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	f := &feed{src: track, cancel: cancel}

	s.mu.Lock()
	t := s.tileLocked(id)
	if old, ok := t.feeds[track.ID()]; ok {
		logger.Info().Msg("replacing existing feed")
		old.cancel()
	}
	t.feeds[track.ID()] = f
	fn := s.onAttach
	s.mu.Unlock()

	logger.Info().Str("kind", track.Kind().String()).Msg("remote track attached")
	go s.pump(ctx, id, f, &logger)

	if fn != nil {
		fn(RemoteTrackInfo{Participant: id, TrackID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()})
	}
}

// AddSink renders every track of the given kind from participant id into sink.
// Tracks attached later are rendered into it too.
func (s *Surface) AddSink(id domain.UserID, kind webrtc.RTPCodecType, name string, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tileLocked(id).sinks[name] = &sinkEntry{name: name, kind: kind, sink: sink}
}

// RemoveSink stops rendering into the named sink; the tracks keep flowing to
// the others.
func (s *Surface) RemoveSink(id domain.UserID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tiles[id]; ok {
		if e, ok := t.sinks[name]; ok {
			e.state.Store(int32(sinkDelete))
			delete(t.sinks, name)
		}
	}
}

// Detach stops every feed of participant id and forgets its sinks.
func (s *Surface) Detach(id domain.UserID) {
	s.mu.Lock()
	t, ok := s.tiles[id]
	if ok {
		delete(s.tiles, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, f := range t.feeds {
		f.cancel()
	}
	for _, e := range t.sinks {
		e.state.Store(int32(sinkDelete))
	}
	log.Info().Str("module", "surface").Str("peer", string(id)).Msg("participant detached")
}

// Tracks lists the remote tracks currently attached, sorted by participant.
func (s *Surface) Tracks() []RemoteTrackInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RemoteTrackInfo
	for id, t := range s.tiles {
		for _, f := range t.feeds {
			out = append(out, RemoteTrackInfo{Participant: id, TrackID: f.src.ID(), StreamID: f.src.StreamID(), Kind: f.src.Kind()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Participant != out[j].Participant {
			return out[i].Participant < out[j].Participant
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

// pump reads RTP packets from the remote track and forwards them to the sinks.
// ReadRTP fails once the connection closes, which ends the loop.
func (s *Surface) pump(ctx context.Context, id domain.UserID, f *feed, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("feed stopped")
			return
		default:
		}
		pkt, _, err := f.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("remote track ended")
			s.dropFeed(id, f)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.forward(id, f.src.Kind(), pkt, logger)
	}
}

func (s *Surface) forward(id domain.UserID, kind webrtc.RTPCodecType, pkt *rtp.Packet, logger *zerolog.Logger) {
	s.mu.RLock()
	t, ok := s.tiles[id]
	var snapshot map[string]*sinkEntry
	if ok {
		snapshot = maps.Clone(t.sinks)
	}
	s.mu.RUnlock()

	var dirty []string
	for name, e := range snapshot {
		if e.kind != kind || sinkState(e.state.Load()) == sinkDelete {
			continue
		}
		if err := e.sink.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Str("sink", name).Msg("sink write error, dropping sink")
			e.state.Store(int32(sinkDelete))
			dirty = append(dirty, name)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		s.mu.Lock()
		if t, ok := s.tiles[id]; ok {
			for _, name := range dirty {
				if e, ok := t.sinks[name]; ok && sinkState(e.state.Load()) == sinkDelete {
					delete(t.sinks, name)
				}
			}
		}
		s.mu.Unlock()
	}
}

func (s *Surface) dropFeed(id domain.UserID, f *feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tiles[id]; ok && t.feeds[f.src.ID()] == f {
		delete(t.feeds, f.src.ID())
	}
}
