package core

import (
	"context"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Device is the negotiated media capability handle of one session.
type Device interface {
	// Load negotiates against the router capabilities. A second call fails with ErrAlreadyLoaded.
	Load(router protocol.RtpCapabilities) error
	Loaded() bool
	CanProduce(kind domain.MediaKind) bool
	// RtpCapabilities is what this device can receive; sent with every consume request.
	RtpCapabilities() protocol.RtpCapabilities
	NewLink(dir domain.Direction, opts protocol.TransportOptions) (MediaLink, error)
}

// LinkState is reported by a MediaLink once it has been started.
type LinkState int

const (
	LinkConnected LinkState = iota
	LinkFailed
	LinkClosed
)

// MediaLink is the network half of a transport (ICE + DTLS towards the router).
type MediaLink interface {
	ID() string
	// LocalDTLSParameters are sent with connect-transport.
	LocalDTLSParameters() (protocol.DtlsParameters, error)
	// Start runs the ICE and DTLS handshakes. It blocks until connected or failed.
	Start(ctx context.Context) error
	Send(track CaptureTrack) (MediaSender, protocol.RtpParameters, error)
	Receive(data protocol.ConsumerData) (MediaReceiver, error)
	// OnStateChange sets the single state hook.
	OnStateChange(func(LinkState))
	Close() error
}

type MediaSender interface {
	Stop() error
}

type MediaReceiver interface {
	ReadRTP() (*rtp.Packet, error)
	Stop() error
}

//go:generate mockgen -destination=mocks/capture_mock.go -package=mocks . CaptureDevice

// CaptureDevice acquires local media. Only the producer registry calls it.
type CaptureDevice interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (CaptureTrack, error)
}

// CaptureTrack is a live local capture.
type CaptureTrack interface {
	Kind() domain.MediaKind
	Local() webrtc.TrackLocal
	Codec() webrtc.RTPCodecCapability
	SetPaused(paused bool)
	// Ended is closed when the capture stops, whether by Stop or by the source.
	Ended() <-chan struct{}
	Stop()
}

// MediaSink plays or records remote media.
type MediaSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// RemoteTrackInfo describes a consumed remote track.
type RemoteTrackInfo struct {
	PeerID     domain.PeerID   `json:"peerId"`
	Username   string          `json:"username"`
	ProducerID string          `json:"producerId"`
	ConsumerID string          `json:"consumerId"`
	Kind       domain.WireKind `json:"kind"`
	MimeType   string          `json:"mimeType"`
	ClockRate  uint32          `json:"clockRate"`
	Channels   uint16          `json:"channels"`
}

// SinkFactory opens a sink for a freshly consumed track.
type SinkFactory func(info RemoteTrackInfo) (MediaSink, error)
