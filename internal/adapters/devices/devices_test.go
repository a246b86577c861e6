package devices

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDevicesMissingFiles(t *testing.T) {
	d := &FileDevices{
		CameraFile:     filepath.Join(t.TempDir(), "camera.ivf"),
		MicrophoneFile: filepath.Join(t.TempDir(), "mic.ogg"),
	}

	_, err := d.UserMedia(context.Background(), core.MediaConstraints{Audio: true, Video: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = d.DisplayMedia(context.Background())
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSyntheticUserMedia(t *testing.T) {
	d := &Synthetic{Interval: time.Millisecond}

	sources, err := d.UserMedia(context.Background(), core.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, sources[0].Kind())
	assert.Equal(t, webrtc.MimeTypeOpus, sources[0].Codec().MimeType)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, sources[1].Kind())

	sample, err := sources[1].NextSample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "camera", string(sample.Data))

	require.NoError(t, sources[1].Close())
	_, err = sources[1].NextSample(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyntheticDenial(t *testing.T) {
	d := &Synthetic{}
	d.DenyUserMedia(true)
	d.DenyDisplayMedia(true)

	_, err := d.UserMedia(context.Background(), core.MediaConstraints{Audio: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = d.DisplayMedia(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)

	d.DenyUserMedia(false)
	_, err = d.UserMedia(context.Background(), core.MediaConstraints{})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSyntheticScreenEnds(t *testing.T) {
	d := &Synthetic{Interval: time.Millisecond, ScreenFrames: 2}
	src, err := d.DisplayMedia(context.Background())
	require.NoError(t, err)

	for k := 0; k < 2; k++ {
		s, err := src.NextSample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "screen", string(s.Data))
	}
	_, err = src.NextSample(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNextSampleHonoursContext(t *testing.T) {
	d := &Synthetic{Interval: time.Hour}
	src, err := d.DisplayMedia(context.Background())
	require.NoError(t, err)

	_, err = src.NextSample(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.NextSample(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
