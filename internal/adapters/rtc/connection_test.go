package rtc

import (
	"testing"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrack(t *testing.T, kind webrtc.RTPCodecType, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, "local")
	require.NoError(t, err)
	return track
}

func newConn(t *testing.T, peer string) *Connection {
	t.Helper()
	c, err := NewConnection(nil, webrtc.Configuration{}, domain.UserID(peer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	a := newConn(t, "b")
	b := newConn(t, "a")

	require.NoError(t, a.AddLocalTrack(newTrack(t, webrtc.RTPCodecTypeAudio, "a-audio")))
	require.NoError(t, a.AddLocalTrack(newTrack(t, webrtc.RTPCodecTypeVideo, "a-camera")))
	require.NoError(t, b.AddLocalTrack(newTrack(t, webrtc.RTPCodecTypeAudio, "b-audio")))
	require.NoError(t, b.AddLocalTrack(newTrack(t, webrtc.RTPCodecTypeVideo, "b-camera")))

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")

	answer, err := b.ApplyOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, a.ApplyAnswer(answer))
}

func TestApplyAnswerWithoutOfferFails(t *testing.T) {
	a := newConn(t, "b")
	err := a.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "garbage"})
	assert.Error(t, err)
}

func TestReplaceVideoTrackKeepsConnection(t *testing.T) {
	a := newConn(t, "b")

	err := a.ReplaceVideoTrack(newTrack(t, webrtc.RTPCodecTypeVideo, "screen"))
	assert.ErrorIs(t, err, ErrNoVideoSender)

	require.NoError(t, a.AddLocalTrack(newTrack(t, webrtc.RTPCodecTypeVideo, "camera")))
	_, err = a.CreateOffer()
	require.NoError(t, err)

	require.NoError(t, a.ReplaceVideoTrack(newTrack(t, webrtc.RTPCodecTypeVideo, "screen")))
	require.NoError(t, a.ReplaceVideoTrack(newTrack(t, webrtc.RTPCodecTypeVideo, "camera-again")))
	assert.NotEqual(t, webrtc.PeerConnectionStateClosed, a.pc.ConnectionState())
}

func TestFactoryBuildsConnections(t *testing.T) {
	f := NewFactory(DefaultWebRTCConfig())
	conn, err := f.NewConnection("bob")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
