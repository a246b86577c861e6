// Package media owns the local participant's tracks: camera, microphone and an
// optional screen capture that stands in for the camera while it lasts.
package media

import (
	"context"
	"sync"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	AudioTrackID  = "audio"
	CameraTrackID = "camera"
	ScreenTrackID = "screen"
)

// LocalState is a copy of the local media state.
type LocalState struct {
	Audio         *LocalTrack
	Video         *LocalTrack
	Screen        *LocalTrack
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

// VideoSwitchFunc replaces the outgoing video on every open peer session.
type VideoSwitchFunc func(ctx context.Context, track webrtc.TrackLocal) error

type Controller struct {
	devices  core.MediaDevices
	streamID string

	mu       sync.Mutex
	audio    *LocalTrack
	camera   *LocalTrack
	screen   *LocalTrack
	acquired bool
	stopped  bool
	onSwitch VideoSwitchFunc
	onChange func(LocalState)

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// NewController builds a controller whose tracks carry streamID, usually the
// local participant id.
func NewController(devices core.MediaDevices, streamID string) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		devices:  devices,
		streamID: streamID,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("module", "media").Str("stream", streamID).Logger(),
	}
}

// OnVideoSwitch sets the hook called with the new outgoing video track whenever
// screen share starts or stops.
func (c *Controller) OnVideoSwitch(fn VideoSwitchFunc) {
	c.mu.Lock()
	c.onSwitch = fn
	c.mu.Unlock()
}

// OnChange sets an observer for every local state change.
func (c *Controller) OnChange(fn func(LocalState)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Acquire opens camera and microphone. A failure is a *domain.MediaAccessError
// and is not retried.
func (c *Controller) Acquire(ctx context.Context, constraints core.MediaConstraints) (LocalState, error) {
	c.mu.Lock()
	if c.acquired {
		st := c.stateLocked()
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	sources, err := c.devices.UserMedia(ctx, constraints)
	if err != nil {
		c.logger.Error().Err(err).Msg("user media denied")
		return LocalState{}, &domain.MediaAccessError{Device: deviceName(constraints), Err: err}
	}

	var audio, camera *LocalTrack
	for _, src := range sources {
		id := CameraTrackID
		if src.Kind() == webrtc.RTPCodecTypeAudio {
			id = AudioTrackID
		}
		if (id == AudioTrackID && audio != nil) || (id == CameraTrackID && camera != nil) {
			_ = src.Close()
			continue
		}
		track, err := NewLocalTrack(src, id, c.streamID)
		if err != nil {
			for _, s := range sources {
				_ = s.Close()
			}
			return LocalState{}, &domain.MediaAccessError{Device: id, Err: err}
		}
		if id == AudioTrackID {
			audio = track
		} else {
			camera = track
		}
	}

	c.mu.Lock()
	if c.stopped || c.acquired {
		stopped, st := c.stopped, c.stateLocked()
		c.mu.Unlock()
		for _, t := range []*LocalTrack{audio, camera} {
			if t != nil {
				t.Stop()
			}
		}
		if stopped {
			return LocalState{}, &domain.MediaAccessError{Device: deviceName(constraints), Err: domain.ErrNoLocalMedia}
		}
		return st, nil
	}
	c.audio, c.camera, c.acquired = audio, camera, true
	for _, t := range []*LocalTrack{audio, camera} {
		if t != nil {
			t.start(c.ctx, nil)
		}
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info().Bool("audio", audio != nil).Bool("video", camera != nil).Msg("local media acquired")
	c.notify()
	return st, nil
}

func deviceName(c core.MediaConstraints) string {
	switch {
	case c.Audio && c.Video:
		return "camera+microphone"
	case c.Video:
		return "camera"
	case c.Audio:
		return "microphone"
	default:
		return "none"
	}
}

func (c *Controller) SetAudioEnabled(enabled bool) error {
	return c.setEnabled(func() *LocalTrack { return c.audio }, enabled)
}

func (c *Controller) SetVideoEnabled(enabled bool) error {
	return c.setEnabled(func() *LocalTrack { return c.camera }, enabled)
}

func (c *Controller) setEnabled(pick func() *LocalTrack, enabled bool) error {
	c.mu.Lock()
	t := pick()
	c.mu.Unlock()
	if t == nil {
		return domain.ErrNoLocalMedia
	}
	t.SetEnabled(enabled)
	c.logger.Info().Str("track", t.ID()).Bool("enabled", enabled).Msg("track toggled")
	c.notify()
	return nil
}

// StartScreenShare captures a display surface and makes it the outgoing video.
// A denial is a *domain.ScreenShareError and leaves the camera untouched.
func (c *Controller) StartScreenShare(ctx context.Context) (*LocalTrack, error) {
	c.mu.Lock()
	if c.screen != nil {
		s := c.screen
		c.mu.Unlock()
		return s, nil
	}
	if c.stopped {
		c.mu.Unlock()
		return nil, &domain.ScreenShareError{Err: domain.ErrNoLocalMedia}
	}
	c.mu.Unlock()

	src, err := c.devices.DisplayMedia(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("display media denied")
		return nil, &domain.ScreenShareError{Err: err}
	}
	screen, err := NewLocalTrack(src, ScreenTrackID, c.streamID)
	if err != nil {
		_ = src.Close()
		return nil, &domain.ScreenShareError{Err: err}
	}

	c.mu.Lock()
	if c.screen != nil || c.stopped {
		c.mu.Unlock()
		screen.Stop()
		if c.stopped {
			return nil, &domain.ScreenShareError{Err: domain.ErrNoLocalMedia}
		}
		return c.StartScreenShare(ctx)
	}
	c.screen = screen
	screen.start(c.ctx, func() { c.screenEnded(screen) })
	c.mu.Unlock()

	c.logger.Info().Msg("screen share started")
	c.switchVideo(ctx, screen.Track)
	c.notify()
	return screen, nil
}

// StopScreenShare stops the screen track and restores the camera as outgoing
// video. It is a no-op when nothing is shared.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	c.mu.Lock()
	screen := c.screen
	c.screen = nil
	camera := c.camera
	c.mu.Unlock()
	if screen == nil {
		return nil
	}

	screen.Stop()
	c.logger.Info().Msg("screen share stopped")
	if camera != nil {
		c.switchVideo(ctx, camera.Track)
	}
	c.notify()
	return nil
}

// screenEnded handles the capture ending on its own, e.g. from the OS picker.
func (c *Controller) screenEnded(screen *LocalTrack) {
	c.mu.Lock()
	current := c.screen == screen
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Info().Msg("screen source ended, restoring camera")
	_ = c.StopScreenShare(context.Background())
}

// switchVideo failures belong to individual peer sessions; the local switch stands.
func (c *Controller) switchVideo(ctx context.Context, track webrtc.TrackLocal) {
	c.mu.Lock()
	fn := c.onSwitch
	c.mu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(ctx, track); err != nil {
		c.logger.Warn().Err(err).Str("track", track.ID()).Msg("video switch failed on some peers")
	}
}

// OutgoingVideo is the screen while sharing, else the camera, else nil.
func (c *Controller) OutgoingVideo() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoingVideoLocked()
}

func (c *Controller) outgoingVideoLocked() webrtc.TrackLocal {
	if c.screen != nil {
		return c.screen.Track
	}
	if c.camera != nil {
		return c.camera.Track
	}
	return nil
}

// Outgoing lists the tracks a new peer connection must send.
func (c *Controller) Outgoing() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []webrtc.TrackLocal
	if c.audio != nil {
		out = append(out, c.audio.Track)
	}
	if v := c.outgoingVideoLocked(); v != nil {
		out = append(out, v)
	}
	return out
}

func (c *Controller) State() LocalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() LocalState {
	st := LocalState{Audio: c.audio, Video: c.camera, Screen: c.screen}
	st.AudioEnabled = c.audio != nil && c.audio.Enabled()
	st.VideoEnabled = c.camera != nil && c.camera.Enabled()
	st.ScreenSharing = c.screen != nil
	return st
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	st := c.stateLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// StopAll stops every local track. Safe to call more than once.
func (c *Controller) StopAll() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	tracks := []*LocalTrack{c.screen, c.camera, c.audio}
	c.audio, c.camera, c.screen = nil, nil, nil
	c.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
	c.cancel()
	c.logger.Info().Msg("all local tracks stopped")
	c.notify()
}
