package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateEnded
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateMuted:
		return "muted"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// LocalTrack is one outgoing local track. Muting only changes its state: the
// pump keeps pacing the source and drops the samples, and the webrtc.TrackLocal
// bound into peer connections stays the same.
type LocalTrack struct {
	Track  *webrtc.TrackLocalStaticSample
	source core.MediaSource
	state  atomic.Int32 // Zero by default (TrackStateLive)

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	onEnded func()

	logger zerolog.Logger
}

func NewLocalTrack(src core.MediaSource, id, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(src.Codec(), id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{
		Track:  track,
		source: src,
		done:   make(chan struct{}),
		logger: log.With().Str("module", "media").Str("track", id).Logger(),
	}, nil
}

func (t *LocalTrack) ID() string                { return t.Track.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.Track.Kind() }

func (t *LocalTrack) GetState() TrackState {
	return TrackState(t.state.Load())
}

func (t *LocalTrack) Enabled() bool { return t.GetState() == TrackStateLive }

// SetEnabled has no effect on an ended track.
func (t *LocalTrack) SetEnabled(enabled bool) {
	from, to := TrackStateMuted, TrackStateLive
	if !enabled {
		from, to = TrackStateLive, TrackStateMuted
	}
	t.state.CompareAndSwap(int32(from), int32(to))
}

// start runs the sample pump until Stop or the end of the source. onEnded runs
// on its own goroutine when the source ends by itself.
func (t *LocalTrack) start(parent context.Context, onEnded func()) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.onEnded = onEnded
	go t.pump(ctx)
}

func (t *LocalTrack) pump(ctx context.Context) {
	defer close(t.done)
	for {
		sample, err := t.source.NextSample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				t.logger.Info().Msg("source ended")
			} else {
				t.logger.Error().Err(err).Msg("source failed")
			}
			t.state.Store(int32(TrackStateEnded))
			if t.onEnded != nil {
				go t.onEnded()
			}
			return
		}

		switch t.GetState() {
		case TrackStateEnded:
			return
		case TrackStateMuted:
		case TrackStateLive:
			if err := t.Track.WriteSample(sample); err != nil {
				t.logger.Warn().Err(err).Msg("write sample")
			}
		}
	}
}

// Stop ends the track and releases the source. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		t.state.Store(int32(TrackStateEnded))
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		if err := t.source.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("close source")
		}
		t.logger.Debug().Msg("stopped")
	})
}
