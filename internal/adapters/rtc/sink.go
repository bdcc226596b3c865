package rtc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

// NewSinkFactory records consumed tracks under dir as .ogg (Opus) or .ivf (VP8).
// An empty dir discards everything.
func NewSinkFactory(dir string) core.SinkFactory {
	return func(info core.RemoteTrackInfo) (core.MediaSink, error) {
		if dir == "" {
			return discardSink{}, nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		base := filepath.Join(dir, sanitize(string(info.PeerID))+"-"+sanitize(info.ConsumerID))

		switch {
		case strings.EqualFold(info.MimeType, webrtc.MimeTypeOpus):
			channels := info.Channels
			if channels == 0 {
				channels = 2
			}
			w, err := oggwriter.New(base+".ogg", info.ClockRate, channels)
			if err != nil {
				return nil, fmt.Errorf("ogg sink: %w", err)
			}
			return w, nil
		case strings.EqualFold(info.MimeType, webrtc.MimeTypeVP8):
			w, err := ivfwriter.New(base + ".ivf")
			if err != nil {
				return nil, fmt.Errorf("ivf sink: %w", err)
			}
			return w, nil
		}
		log.Warn().
			Str("module", "rtc.sink").
			Str("mime", info.MimeType).
			Msg("no recorder for codec, discarding")
		return discardSink{}, nil
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

type discardSink struct{}

func (discardSink) WriteRTP(*rtp.Packet) error { return nil }
func (discardSink) Close() error               { return nil }
