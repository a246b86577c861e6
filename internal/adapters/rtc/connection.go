package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoVideoSender = errors.New("no outgoing video sender")

// Connection wraps one pion PeerConnection to a remote participant.
type Connection struct {
	pc   *webrtc.PeerConnection
	peer domain.UserID

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(core.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)

	logger zerolog.Logger
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.UserID) (*Connection, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:     pc,
		peer:   peer,
		logger: log.With().Str("module", "webrtc").Str("peer", string(peer)).Logger(),
	}
	c.bind()
	return c, nil
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
}

// AddLocalTrack attaches an outgoing track. The first video track added becomes
// the one ReplaceVideoTrack swaps.
func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go drainRTCP(sender)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		c.mu.Lock()
		if c.videoSender == nil {
			c.videoSender = sender
		}
		c.mu.Unlock()
	}
	return nil
}

// drainRTCP keeps interceptors (NACK, reports) running for the sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender := c.videoSender
	c.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	c.logger.Info().Str("track_id", track.ID()).Msg("video track replaced")
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *c.pc.LocalDescription(), nil
}

// ApplyOffer does not wait for ICE gathering; candidates trickle separately.
func (c *Connection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

// Factory builds connections sharing one configuration.
type Factory struct {
	cfg webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) NewConnection(peer domain.UserID) (core.PeerConnection, error) {
	return NewConnection(nil, f.cfg, peer)
}
