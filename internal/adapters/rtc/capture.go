package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	oggPageDuration  = 20 * time.Millisecond
	defaultFrameTime = 33 * time.Millisecond
	streamID         = "voice-client"
)

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// CaptureConfig points each media kind at a source file. Audio is Ogg/Opus,
// camera and screen are IVF/VP8.
type CaptureConfig struct {
	AudioFile  string
	VideoFile  string
	ScreenFile string
	Loop       bool
}

// FileCapture stands in for microphone, camera and screen by replaying media files.
type FileCapture struct {
	cfg CaptureConfig
}

var _ core.CaptureDevice = (*FileCapture)(nil)

func NewFileCapture(cfg CaptureConfig) *FileCapture {
	return &FileCapture{cfg: cfg}
}

func (c *FileCapture) source(kind domain.MediaKind) string {
	switch kind {
	case domain.KindAudio:
		return c.cfg.AudioFile
	case domain.KindVideo:
		return c.cfg.VideoFile
	case domain.KindScreen:
		return c.cfg.ScreenFile
	}
	return ""
}

func (c *FileCapture) Acquire(ctx context.Context, kind domain.MediaKind) (core.CaptureTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := c.source(kind)
	if path == "" {
		return nil, fmt.Errorf("%w: no %s source configured", core.ErrDeviceUnavailable, kind)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDeviceUnavailable, err)
	}

	codec := vp8Codec
	if kind == domain.KindAudio {
		codec = opusCodec
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDeviceUnavailable, err)
	}

	t := &fileTrack{
		kind:  kind,
		path:  path,
		loop:  c.cfg.Loop,
		codec: codec,
		track: local,
		stop:  make(chan struct{}),
		ended: make(chan struct{}),
		logger: log.With().
			Str("module", "rtc.capture").
			Str("kind", string(kind)).
			Str("path", path).
			Logger(),
	}
	go t.run()
	return t, nil
}

type fileTrack struct {
	kind   domain.MediaKind
	path   string
	loop   bool
	codec  webrtc.RTPCodecCapability
	track  *webrtc.TrackLocalStaticSample
	paused atomic.Bool
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	ended    chan struct{}
}

func (t *fileTrack) Kind() domain.MediaKind           { return t.kind }
func (t *fileTrack) Local() webrtc.TrackLocal         { return t.track }
func (t *fileTrack) Codec() webrtc.RTPCodecCapability { return t.codec }
func (t *fileTrack) SetPaused(paused bool)            { t.paused.Store(paused) }
func (t *fileTrack) Ended() <-chan struct{}           { return t.ended }
func (t *fileTrack) Stop()                            { t.stopOnce.Do(func() { close(t.stop) }) }

func (t *fileTrack) run() {
	defer close(t.ended)
	for {
		var (
			stopped bool
			err     error
		)
		if t.kind == domain.KindAudio {
			stopped, err = t.playOgg()
		} else {
			stopped, err = t.playIVF()
		}
		switch {
		case stopped:
			t.logger.Debug().Msg("capture stopped")
			return
		case err != nil:
			t.logger.Error().Err(err).Msg("capture failed")
			return
		case !t.loop:
			t.logger.Info().Msg("capture source ended")
			return
		}
	}
}

func (t *fileTrack) playOgg() (bool, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return false, err
	}
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-t.stop:
			return true, nil
		case <-ticker.C:
		}
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		if t.paused.Load() {
			continue
		}
		dur := time.Duration(samples) * time.Second / time.Duration(opusCodec.ClockRate)
		if err := t.track.WriteSample(media.Sample{Data: page, Duration: dur}); err != nil {
			return false, err
		}
	}
}

func (t *fileTrack) playIVF() (bool, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return false, err
	}
	frameTime := defaultFrameTime
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameTime = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	ticker := time.NewTicker(frameTime)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return true, nil
		case <-ticker.C:
		}
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if t.paused.Load() {
			continue
		}
		if err := t.track.WriteSample(media.Sample{Data: frame, Duration: frameTime}); err != nil {
			return false, err
		}
	}
}
