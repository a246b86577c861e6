package devices

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Synthetic generates small placeholder samples instead of capturing anything.
// The zero value grants everything and produces endless streams.
type Synthetic struct {
	// Interval between samples; 20ms when zero.
	Interval time.Duration
	// ScreenFrames ends the screen stream after that many samples; 0 never ends.
	ScreenFrames int

	denyUser    atomic.Bool
	denyDisplay atomic.Bool
}

// DenyUserMedia makes the next UserMedia calls fail as if the user refused.
func (d *Synthetic) DenyUserMedia(deny bool) { d.denyUser.Store(deny) }

// DenyDisplayMedia makes the next DisplayMedia calls fail as if the picker was cancelled.
func (d *Synthetic) DenyDisplayMedia(deny bool) { d.denyDisplay.Store(deny) }

func (d *Synthetic) interval() time.Duration {
	if d.Interval <= 0 {
		return 20 * time.Millisecond
	}
	return d.Interval
}

func (d *Synthetic) UserMedia(ctx context.Context, c core.MediaConstraints) ([]core.MediaSource, error) {
	if d.denyUser.Load() {
		return nil, ErrPermissionDenied
	}
	var sources []core.MediaSource
	if c.Audio {
		sources = append(sources, newSynthetic(webrtc.RTPCodecTypeAudio, "microphone", d.interval(), 0))
	}
	if c.Video {
		sources = append(sources, newSynthetic(webrtc.RTPCodecTypeVideo, "camera", d.interval(), 0))
	}
	if len(sources) == 0 {
		return nil, ErrDeviceNotFound
	}
	return sources, nil
}

func (d *Synthetic) DisplayMedia(ctx context.Context) (core.MediaSource, error) {
	if d.denyDisplay.Load() {
		return nil, ErrPermissionDenied
	}
	return newSynthetic(webrtc.RTPCodecTypeVideo, "screen", d.interval(), d.ScreenFrames), nil
}

type syntheticSource struct {
	kind     webrtc.RTPCodecType
	label    string
	interval time.Duration
	limit    int

	mu     sync.Mutex
	sent   int
	pace   pacer
	closed bool
}

func newSynthetic(kind webrtc.RTPCodecType, label string, interval time.Duration, limit int) *syntheticSource {
	return &syntheticSource{kind: kind, label: label, interval: interval, limit: limit}
}

func (s *syntheticSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *syntheticSource) Codec() webrtc.RTPCodecCapability {
	if s.kind == webrtc.RTPCodecTypeAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

// NextSample returns the source label as payload, which lets a receiver tell
// the camera from the screen.
func (s *syntheticSource) NextSample(ctx context.Context) (media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.limit > 0 && s.sent >= s.limit) {
		return media.Sample{}, io.EOF
	}
	if err := s.pace.wait(ctx, s.interval); err != nil {
		return media.Sample{}, err
	}
	s.sent++
	return media.Sample{Data: []byte(s.label), Duration: s.interval}, nil
}

func (s *syntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
