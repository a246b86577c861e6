package peer

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	packets chan *rtp.Packet
}

func newChanTrack(id string, kind webrtc.RTPCodecType) *chanTrack {
	return &chanTrack{id: id, kind: kind, packets: make(chan *rtp.Packet, 16)}
}

func (t *chanTrack) ID() string                { return t.id }
func (t *chanTrack) StreamID() string          { return "remote" }
func (t *chanTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *chanTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type countingSink struct {
	mu    sync.Mutex
	n     int
	fails bool
}

func (s *countingSink) WriteRTP(*rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails {
		return errors.New("sink gone")
	}
	s.n++
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestSurfaceForwardsByKind(t *testing.T) {
	s := NewSurface()
	var attached []RemoteTrackInfo
	s.OnAttach(func(info RemoteTrackInfo) { attached = append(attached, info) })

	video := &countingSink{}
	audio := &countingSink{}
	s.AddSink("bob", webrtc.RTPCodecTypeVideo, "video", video)
	s.AddSink("bob", webrtc.RTPCodecTypeAudio, "audio", audio)

	cam := newChanTrack("camera", webrtc.RTPCodecTypeVideo)
	s.Attach("bob", cam)
	require.Len(t, attached, 1)
	assert.Equal(t, "camera", attached[0].TrackID)

	for k := 0; k < 3; k++ {
		cam.packets <- &rtp.Packet{}
	}
	require.Eventually(t, func() bool { return video.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, audio.count())
	assert.Len(t, s.Tracks(), 1)

	close(cam.packets)
	require.Eventually(t, func() bool { return len(s.Tracks()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSurfaceDropsFailingSink(t *testing.T) {
	s := NewSurface()
	bad := &countingSink{fails: true}
	good := &countingSink{}
	s.AddSink("bob", webrtc.RTPCodecTypeVideo, "bad", bad)
	s.AddSink("bob", webrtc.RTPCodecTypeVideo, "good", good)

	cam := newChanTrack("camera", webrtc.RTPCodecTypeVideo)
	s.Attach("bob", cam)
	cam.packets <- &rtp.Packet{}
	require.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 5*time.Millisecond)

	bad.mu.Lock()
	bad.fails = false
	bad.mu.Unlock()
	cam.packets <- &rtp.Packet{}
	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bad.count())
}

func TestSurfaceDetach(t *testing.T) {
	s := NewSurface()
	sink := &countingSink{}
	s.AddSink("bob", webrtc.RTPCodecTypeVideo, "main", sink)
	cam := newChanTrack("camera", webrtc.RTPCodecTypeVideo)
	s.Attach("bob", cam)

	s.Detach("bob")
	assert.Empty(t, s.Tracks())
	cam.packets <- &rtp.Packet{}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestSurfaceRemoveSink(t *testing.T) {
	s := NewSurface()
	kept := &countingSink{}
	gone := &countingSink{}
	s.AddSink("bob", webrtc.RTPCodecTypeVideo, "kept", kept)
	s.AddSink("bob", webrtc.RTPCodecTypeVideo, "gone", gone)

	cam := newChanTrack("camera", webrtc.RTPCodecTypeVideo)
	s.Attach("bob", cam)
	cam.packets <- &rtp.Packet{}
	require.Eventually(t, func() bool { return kept.count() == 1 && gone.count() == 1 }, time.Second, 5*time.Millisecond)

	s.RemoveSink("bob", "gone")
	s.RemoveSink("nobody", "gone")
	cam.packets <- &rtp.Packet{}
	require.Eventually(t, func() bool { return kept.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gone.count())
}
