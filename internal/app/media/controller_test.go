package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/adapters/devices"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var both = core.MediaConstraints{Audio: true, Video: true}

type switchRecorder struct {
	mu     sync.Mutex
	tracks []string
}

func (r *switchRecorder) record(_ context.Context, t webrtc.TrackLocal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t.ID())
	return nil
}

func (r *switchRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tracks...)
}

func acquired(t *testing.T, dev core.MediaDevices) (*Controller, *switchRecorder) {
	t.Helper()
	c := NewController(dev, "alice")
	rec := &switchRecorder{}
	c.OnVideoSwitch(rec.record)
	_, err := c.Acquire(context.Background(), both)
	require.NoError(t, err)
	t.Cleanup(c.StopAll)
	return c, rec
}

func TestAcquireDeniedIsMediaAccessError(t *testing.T) {
	dev := &devices.Synthetic{}
	dev.DenyUserMedia(true)
	c := NewController(dev, "alice")

	_, err := c.Acquire(context.Background(), both)
	var mae *domain.MediaAccessError
	require.True(t, errors.As(err, &mae))
	assert.ErrorIs(t, err, devices.ErrPermissionDenied)
	assert.Nil(t, c.OutgoingVideo())
}

func TestAcquireAndToggle(t *testing.T) {
	c, rec := acquired(t, &devices.Synthetic{Interval: time.Millisecond})

	st := c.State()
	assert.True(t, st.AudioEnabled)
	assert.True(t, st.VideoEnabled)
	assert.False(t, st.ScreenSharing)
	require.Len(t, c.Outgoing(), 2)

	video := c.OutgoingVideo()
	require.NoError(t, c.SetVideoEnabled(false))
	require.NoError(t, c.SetAudioEnabled(false))
	st = c.State()
	assert.False(t, st.AudioEnabled)
	assert.False(t, st.VideoEnabled)
	assert.Same(t, video, c.OutgoingVideo())

	require.NoError(t, c.SetVideoEnabled(true))
	assert.True(t, c.State().VideoEnabled)
	assert.Empty(t, rec.seen())
}

func TestScreenShareSwitchesOutgoingVideo(t *testing.T) {
	ctx := context.Background()
	c, rec := acquired(t, &devices.Synthetic{Interval: time.Millisecond})

	screen, err := c.StartScreenShare(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScreenTrackID, c.OutgoingVideo().ID())

	again, err := c.StartScreenShare(ctx)
	require.NoError(t, err)
	assert.Same(t, screen, again)

	require.NoError(t, c.StopScreenShare(ctx))
	require.NoError(t, c.StopScreenShare(ctx))
	assert.Equal(t, CameraTrackID, c.OutgoingVideo().ID())
	assert.Equal(t, TrackStateEnded, screen.GetState())
	assert.Equal(t, []string{ScreenTrackID, CameraTrackID}, rec.seen())
}

func TestScreenShareDeniedKeepsCamera(t *testing.T) {
	dev := &devices.Synthetic{Interval: time.Millisecond}
	c, rec := acquired(t, dev)
	dev.DenyDisplayMedia(true)

	_, err := c.StartScreenShare(context.Background())
	var sse *domain.ScreenShareError
	require.True(t, errors.As(err, &sse))
	assert.Equal(t, CameraTrackID, c.OutgoingVideo().ID())
	assert.False(t, c.State().ScreenSharing)
	assert.Empty(t, rec.seen())
}

func TestScreenSourceEndingRestoresCamera(t *testing.T) {
	c, rec := acquired(t, &devices.Synthetic{Interval: time.Millisecond, ScreenFrames: 3})

	_, err := c.StartScreenShare(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !c.State().ScreenSharing }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, CameraTrackID, c.OutgoingVideo().ID())
	assert.Equal(t, []string{ScreenTrackID, CameraTrackID}, rec.seen())
}

func TestStopAll(t *testing.T) {
	c, _ := acquired(t, &devices.Synthetic{Interval: time.Millisecond})
	st := c.State()
	_, err := c.StartScreenShare(context.Background())
	require.NoError(t, err)

	c.StopAll()
	c.StopAll()
	assert.Equal(t, TrackStateEnded, st.Audio.GetState())
	assert.Equal(t, TrackStateEnded, st.Video.GetState())
	assert.Nil(t, c.OutgoingVideo())
	assert.ErrorIs(t, c.SetAudioEnabled(true), domain.ErrNoLocalMedia)

	_, err = c.StartScreenShare(context.Background())
	assert.Error(t, err)
}

func TestMutedTrackStaysMutedAfterStop(t *testing.T) {
	c, _ := acquired(t, &devices.Synthetic{Interval: time.Millisecond})
	audio := c.State().Audio
	audio.SetEnabled(false)
	assert.Equal(t, TrackStateMuted, audio.GetState())

	audio.Stop()
	audio.SetEnabled(true)
	assert.Equal(t, TrackStateEnded, audio.GetState())
}
