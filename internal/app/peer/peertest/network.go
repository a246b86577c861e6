// Package peertest provides an in-memory stand-in for native peer connections.
// Connections created through one Network find each other by owner and peer id,
// trickle fake candidates, and report "connected" once both sides applied the
// remote description and at least one remote candidate.
package peertest

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrNoVideoSender       = errors.New("no outgoing video sender")
	ErrClosed              = errors.New("connection closed")
	ErrMalformedSDP        = errors.New("malformed sdp")
)

type link struct{ owner, peer domain.UserID }

type Network struct {
	// Candidates gathered per local description.
	Candidates int
	// PacketInterval paces remote track reads.
	PacketInterval time.Duration

	mu      sync.Mutex
	conns   map[link]*Conn
	created map[link]int
	offers  map[domain.UserID]int
}

func NewNetwork() *Network {
	return &Network{
		Candidates:     2,
		PacketInterval: 5 * time.Millisecond,
		conns:          make(map[link]*Conn),
		created:        make(map[link]int),
		offers:         make(map[domain.UserID]int),
	}
}

type factory struct {
	n     *Network
	owner domain.UserID
}

// Factory returns the connection factory of participant owner.
func (n *Network) Factory(owner domain.UserID) core.ConnectionFactory {
	return &factory{n: n, owner: owner}
}

func (f *factory) NewConnection(peer domain.UserID) (core.PeerConnection, error) {
	c := &Conn{n: f.n, owner: f.owner, peer: peer, state: webrtc.PeerConnectionStateNew}
	f.n.mu.Lock()
	f.n.conns[link{f.owner, peer}] = c
	f.n.created[link{f.owner, peer}]++
	f.n.mu.Unlock()
	return c, nil
}

// Offers counts the offers created by owner across all its connections.
func (n *Network) Offers(owner domain.UserID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers[owner]
}

// Created counts the connections owner opened towards peer.
func (n *Network) Created(owner, peer domain.UserID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created[link{owner, peer}]
}

// Conn returns the latest connection owner opened towards peer.
func (n *Network) Conn(owner, peer domain.UserID) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[link{owner, peer}]
}

// Conn implements core.PeerConnection. All state is guarded by the network lock.
type Conn struct {
	n           *Network
	owner, peer domain.UserID

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)

	tracks    []webrtc.TrackLocal
	video     webrtc.TrackLocal
	replaced  int
	localDesc *webrtc.SessionDescription
	remoteSet bool
	applied   []webrtc.ICECandidateInit
	rejected  int
	state     webrtc.PeerConnectionState
	closed    bool
	gathered  int
}

func (c *Conn) AddLocalTrack(track webrtc.TrackLocal) error {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.tracks = append(c.tracks, track)
	if track.Kind() == webrtc.RTPCodecTypeVideo && c.video == nil {
		c.video = track
	}
	return nil
}

func (c *Conn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.video == nil {
		return ErrNoVideoSender
	}
	c.video = track
	c.replaced++
	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.n.mu.Lock()
	if c.closed {
		c.n.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.n.offers[c.owner]++
	sd := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("fake-offer %s->%s #%d", c.owner, c.peer, c.n.offers[c.owner]),
	}
	c.localDesc = &sd
	c.n.mu.Unlock()
	c.gather()
	return sd, nil
}

func (c *Conn) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.n.mu.Lock()
	if c.closed {
		c.n.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	if offer.Type != webrtc.SDPTypeOffer || !strings.HasPrefix(offer.SDP, "fake-offer") {
		c.n.mu.Unlock()
		return webrtc.SessionDescription{}, ErrMalformedSDP
	}
	c.remoteSet = true
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("fake-answer %s->%s", c.owner, c.peer)}
	c.localDesc = &sd
	c.n.mu.Unlock()
	c.gather()
	c.n.tryConnect(c)
	return sd, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.n.mu.Lock()
	if c.closed {
		c.n.mu.Unlock()
		return ErrClosed
	}
	if answer.Type != webrtc.SDPTypeAnswer || !strings.HasPrefix(answer.SDP, "fake-answer") ||
		c.localDesc == nil || c.localDesc.Type != webrtc.SDPTypeOffer {
		c.n.mu.Unlock()
		return ErrMalformedSDP
	}
	c.remoteSet = true
	c.n.mu.Unlock()
	c.n.tryConnect(c)
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.n.mu.Lock()
	if c.closed {
		c.n.mu.Unlock()
		return ErrClosed
	}
	if !c.remoteSet {
		c.rejected++
		c.n.mu.Unlock()
		return ErrNoRemoteDescription
	}
	c.applied = append(c.applied, ci)
	c.n.mu.Unlock()
	c.n.tryConnect(c)
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.n.mu.Lock()
	c.onICE = fn
	c.n.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(core.RemoteTrack)) {
	c.n.mu.Lock()
	c.onTrack = fn
	c.n.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.n.mu.Lock()
	c.onState = fn
	c.n.mu.Unlock()
}

func (c *Conn) Close() error {
	c.n.mu.Lock()
	if c.closed {
		c.n.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = webrtc.PeerConnectionStateClosed
	fn := c.onState
	c.n.mu.Unlock()
	if fn != nil {
		go fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// gather trickles candidates asynchronously, like a real ICE agent.
func (c *Conn) gather() {
	c.n.mu.Lock()
	fn := c.onICE
	var cands []webrtc.ICECandidateInit
	for i := 0; i < c.n.Candidates; i++ {
		c.gathered++
		cands = append(cands, webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 %s %d typ host", c.gathered, c.owner, 50000+c.gathered),
		})
	}
	c.n.mu.Unlock()
	if fn == nil {
		return
	}
	go func() {
		for _, ci := range cands {
			fn(ci)
		}
	}()
}

func (n *Network) tryConnect(c *Conn) {
	n.mu.Lock()
	other := n.conns[link{c.peer, c.owner}]
	if other == nil || other.peer != c.owner ||
		c.closed || other.closed ||
		!c.remoteSet || !other.remoteSet ||
		len(c.applied) == 0 || len(other.applied) == 0 ||
		c.state == webrtc.PeerConnectionStateConnected {
		n.mu.Unlock()
		return
	}
	c.state = webrtc.PeerConnectionStateConnected
	other.state = webrtc.PeerConnectionStateConnected

	type delivery struct {
		onState func(webrtc.PeerConnectionState)
		onTrack func(core.RemoteTrack)
		tracks  []*RemoteTrack
	}
	pair := []delivery{
		{onState: c.onState, onTrack: c.onTrack, tracks: remoteTracks(other, c)},
		{onState: other.onState, onTrack: other.onTrack, tracks: remoteTracks(c, other)},
	}
	n.mu.Unlock()

	for _, d := range pair {
		go func(d delivery) {
			if d.onState != nil {
				d.onState(webrtc.PeerConnectionStateConnected)
			}
			if d.onTrack != nil {
				for _, t := range d.tracks {
					d.onTrack(t)
				}
			}
		}(d)
	}
}

// Lock must be held.
func remoteTracks(sender, receiver *Conn) []*RemoteTrack {
	out := make([]*RemoteTrack, 0, len(sender.tracks))
	for _, t := range sender.tracks {
		out = append(out, &RemoteTrack{
			sender:   sender,
			receiver: receiver,
			id:       t.ID(),
			streamID: t.StreamID(),
			kind:     t.Kind(),
		})
	}
	return out
}

// State is the native connection state.
func (c *Conn) State() webrtc.PeerConnectionState {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.state
}

func (c *Conn) Closed() bool {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.closed
}

// VideoTrackID is the id of the track the video sender currently sends.
func (c *Conn) VideoTrackID() string {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	if c.video == nil {
		return ""
	}
	return c.video.ID()
}

// Replaced counts ReplaceVideoTrack calls that succeeded.
func (c *Conn) Replaced() int {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.replaced
}

// Applied counts remote candidates accepted after the remote description.
func (c *Conn) Applied() int {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return len(c.applied)
}

// Rejected counts candidates added before the remote description.
func (c *Conn) Rejected() int {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.rejected
}

// RemoteTrack delivers one RTP packet per interval whose payload is the id of
// the track the sender currently sends for that kind.
type RemoteTrack struct {
	sender, receiver *Conn
	id, streamID     string
	kind             webrtc.RTPCodecType
	seq              uint16
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return t.streamID }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	n := t.sender.n
	time.Sleep(n.PacketInterval)

	n.mu.Lock()
	defer n.mu.Unlock()
	if t.sender.closed || t.receiver.closed {
		return nil, nil, io.EOF
	}
	current := ""
	if t.kind == webrtc.RTPCodecTypeVideo {
		if t.sender.video != nil {
			current = t.sender.video.ID()
		}
	} else {
		for _, lt := range t.sender.tracks {
			if lt.Kind() == t.kind {
				current = lt.ID()
				break
			}
		}
	}
	t.seq++
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: t.seq},
		Payload: []byte(current),
	}, nil, nil
}
