// Package devices provides core.MediaDevices implementations for a headless
// participant: pre-encoded media files played back at their own pace, and
// generated placeholder media.
package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("requested device not found")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// FileDevices reads the camera and screen from IVF files and the microphone from
// an Ogg/Opus file. Camera and microphone loop; the screen plays once, so its end
// looks like the user stopping the share.
type FileDevices struct {
	CameraFile     string
	MicrophoneFile string
	ScreenFile     string
}

func (d *FileDevices) UserMedia(ctx context.Context, c core.MediaConstraints) ([]core.MediaSource, error) {
	var sources []core.MediaSource
	closeAll := func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}
	if c.Audio {
		src, err := openOgg(d.MicrophoneFile, true)
		if err != nil {
			return nil, fmt.Errorf("microphone: %w", err)
		}
		sources = append(sources, src)
	}
	if c.Video {
		src, err := openIVF(d.CameraFile, "camera", true)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("camera: %w", err)
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, ErrDeviceNotFound
	}
	return sources, nil
}

func (d *FileDevices) DisplayMedia(ctx context.Context) (core.MediaSource, error) {
	return openIVF(d.ScreenFile, "screen", false)
}

func openFile(path string) (*os.File, error) {
	if path == "" {
		return nil, ErrDeviceNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrDeviceNotFound)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", path, ErrPermissionDenied)
		}
		return nil, err
	}
	return f, nil
}

// pacer hands out deadlines spaced by each sample's duration.
type pacer struct {
	next time.Time
}

func (p *pacer) wait(ctx context.Context, d time.Duration) error {
	now := time.Now()
	if p.next.IsZero() || p.next.Before(now.Add(-time.Second)) {
		p.next = now
	}
	wait := time.Until(p.next)
	p.next = p.next.Add(d)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ivfSource struct {
	name  string
	loop  bool
	codec webrtc.RTPCodecCapability
	frame time.Duration

	mu     sync.Mutex
	f      *os.File
	reader *ivfreader.IVFReader
	pace   pacer
	closed bool
}

func openIVF(path, name string, loop bool) (*ivfSource, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	codec, err := ivfCodec(header.FourCC)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	frame := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 {
		frame = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	log.Debug().
		Str("module", "devices").
		Str("device", name).
		Str("file", path).
		Str("fourcc", header.FourCC).
		Dur("frame", frame).
		Msg("ivf opened")
	return &ivfSource{name: name, loop: loop, codec: codec, frame: frame, f: f, reader: reader}, nil
}

func ivfCodec(fourcc string) (webrtc.RTPCodecCapability, error) {
	switch fourcc {
	case "VP80":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case "VP90":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	case "AV01":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, fourcc)
	}
}

func (s *ivfSource) Kind() webrtc.RTPCodecType         { return webrtc.RTPCodecTypeVideo }
func (s *ivfSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *ivfSource) NextSample(ctx context.Context) (media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.Sample{}, io.EOF
	}
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) && s.loop {
		if err = s.rewind(); err == nil {
			frame, _, err = s.reader.ParseNextFrame()
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return media.Sample{}, io.EOF
		}
		return media.Sample{}, err
	}
	if err := s.pace.wait(ctx, s.frame); err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.frame}, nil
}

func (s *ivfSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := ivfreader.NewWith(s.f)
	if err != nil {
		return err
	}
	s.reader = reader
	return nil
}

func (s *ivfSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

type oggSource struct {
	loop bool

	mu      sync.Mutex
	f       *os.File
	reader  *oggreader.OggReader
	granule uint64
	pace    pacer
	closed  bool
}

func openOgg(path string, loop bool) (*oggSource, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &oggSource{loop: loop, f: f, reader: reader}, nil
}

func (s *oggSource) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (s *oggSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (s *oggSource) NextSample(ctx context.Context) (media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.Sample{}, io.EOF
	}
	page, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) && s.loop {
		if err = s.rewind(); err == nil {
			page, header, err = s.reader.ParseNextPage()
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return media.Sample{}, io.EOF
		}
		return media.Sample{}, err
	}

	// Opus granule positions count 48kHz samples.
	d := 20 * time.Millisecond
	if header.GranulePosition > s.granule {
		d = time.Duration(float64(header.GranulePosition-s.granule) / 48000 * float64(time.Second))
		s.granule = header.GranulePosition
	}
	if err := s.pace.wait(ctx, d); err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: page, Duration: d}, nil
}

func (s *oggSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(s.f)
	if err != nil {
		return err
	}
	s.reader = reader
	s.granule = 0
	return nil
}

func (s *oggSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
