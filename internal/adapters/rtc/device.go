package rtc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Codecs this client can capture and play. Anything else the router offers is ignored.
var supportedCodecs = map[string]domain.WireKind{
	strings.ToLower(webrtc.MimeTypeOpus): domain.WireAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  domain.WireVideo,
}

// Header extensions the receive path understands.
var supportedExtensions = map[string]bool{
	"urn:ietf:params:rtp-hdrext:sdes:mid":                        true,
	"urn:ietf:params:rtp-hdrext:ssrc-audio-level":                true,
	"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time": true,
}

var _ core.Device = (*Device)(nil)

// Device negotiates media capabilities against a router and builds the pion
// API every transport of the session is created from.
type Device struct {
	iceServers []webrtc.ICEServer

	mu     sync.RWMutex
	loaded bool
	api    *webrtc.API
	caps   protocol.RtpCapabilities
	kinds  map[domain.WireKind]bool
}

func NewDevice(iceServers []webrtc.ICEServer) *Device {
	return &Device{iceServers: iceServers}
}

func negotiationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrCapabilityNegotiationFailed, fmt.Sprintf(format, args...))
}

func (d *Device) Load(router protocol.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return core.ErrAlreadyLoaded
	}
	if len(router.Codecs) == 0 {
		return negotiationError("router offers no codecs")
	}

	engine := &webrtc.MediaEngine{}
	caps := protocol.RtpCapabilities{}
	kinds := make(map[domain.WireKind]bool)

	for _, c := range router.Codecs {
		if err := validateCodec(c); err != nil {
			return err
		}
		kind, ok := supportedCodecs[strings.ToLower(c.MimeType)]
		if !ok {
			continue
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  formatFmtp(c.Parameters),
				RTCPFeedback: toPionFeedback(c.RtcpFeedback),
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := engine.RegisterCodec(params, codecType(kind)); err != nil {
			return fmt.Errorf("%w: register %s: %w", core.ErrCapabilityNegotiationFailed, c.MimeType, err)
		}
		caps.Codecs = append(caps.Codecs, c)
		kinds[kind] = true
	}
	if !kinds[domain.WireAudio] {
		return negotiationError("router offers no supported audio codec")
	}

	for _, ext := range router.HeaderExtensions {
		kind := domain.WireKind(ext.Kind)
		if !supportedExtensions[ext.URI] || !kinds[kind] {
			continue
		}
		if err := engine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(kind)); err != nil {
			return fmt.Errorf("%w: register extension %s: %w", core.ErrCapabilityNegotiationFailed, ext.URI, err)
		}
		caps.HeaderExtensions = append(caps.HeaderExtensions, ext)
	}

	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(engine))
	d.caps = caps
	d.kinds = kinds
	d.loaded = true
	log.Info().
		Str("module", "rtc.device").
		Int("codecs", len(caps.Codecs)).
		Bool("video", kinds[domain.WireVideo]).
		Msg("capabilities loaded")
	return nil
}

func validateCodec(c protocol.RtpCodecCapability) error {
	kind, _, ok := strings.Cut(c.MimeType, "/")
	if !ok || kind == "" {
		return negotiationError("malformed mimeType %q", c.MimeType)
	}
	if !domain.WireKind(c.Kind).Valid() {
		return negotiationError("codec %s has kind %q", c.MimeType, c.Kind)
	}
	if !strings.EqualFold(kind, c.Kind) {
		return negotiationError("codec %s does not match kind %q", c.MimeType, c.Kind)
	}
	if c.ClockRate == 0 {
		return negotiationError("codec %s without clockRate", c.MimeType)
	}
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded && d.kinds[kind.Wire()]
}

func (d *Device) RtpCapabilities() protocol.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := protocol.RtpCapabilities{
		Codecs:           append([]protocol.RtpCodecCapability(nil), d.caps.Codecs...),
		HeaderExtensions: append([]protocol.RtpHeaderExtension(nil), d.caps.HeaderExtensions...),
	}
	return out
}

func (d *Device) NewLink(dir domain.Direction, opts protocol.TransportOptions) (core.MediaLink, error) {
	d.mu.RLock()
	api := d.api
	d.mu.RUnlock()
	if api == nil {
		return nil, negotiationError("device not loaded")
	}
	return NewLink(api, d.iceServers, dir, opts)
}

func codecType(kind domain.WireKind) webrtc.RTPCodecType {
	if kind == domain.WireAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}
