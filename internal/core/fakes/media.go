package fakes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrStopped = errors.New("stopped")

// Device is a core.Device whose links are Link fakes.
type Device struct {
	LoadErr     error
	NewLinkErr  map[domain.Direction]error
	Unsupported map[domain.MediaKind]bool
	// StartErr is copied into every link created.
	StartErr error

	mu     sync.Mutex
	loaded bool
	router protocol.RtpCapabilities
	links  map[domain.Direction][]*Link
}

var _ core.Device = (*Device)(nil)

func NewDevice() *Device {
	return &Device{links: make(map[domain.Direction][]*Link)}
}

func (d *Device) Load(router protocol.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return core.ErrAlreadyLoaded
	}
	if d.LoadErr != nil {
		return d.LoadErr
	}
	d.loaded = true
	d.router = router
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded && !d.Unsupported[kind]
}

func (d *Device) RtpCapabilities() protocol.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.router
}

func (d *Device) NewLink(dir domain.Direction, opts protocol.TransportOptions) (core.MediaLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.NewLinkErr[dir]; err != nil {
		return nil, err
	}
	l := NewLink(opts.ID)
	l.StartErr = d.StartErr
	d.links[dir] = append(d.links[dir], l)
	return l, nil
}

// Links returns every link created for dir.
func (d *Device) Links(dir domain.Direction) []*Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Link(nil), d.links[dir]...)
}

// Link is a core.MediaLink that connects instantly.
type Link struct {
	StartErr error

	id      string
	mu      sync.Mutex
	onState func(core.LinkState)
	starts  int
	closed  bool
	senders []*Sender
	recvs   []*Receiver
}

var _ core.MediaLink = (*Link)(nil)

func NewLink(id string) *Link { return &Link{id: id} }

func (l *Link) ID() string { return l.id }

func (l *Link) LocalDTLSParameters() (protocol.DtlsParameters, error) {
	return protocol.DtlsParameters{
		Role:         "client",
		Fingerprints: []protocol.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
	}, nil
}

func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	l.starts++
	err := l.StartErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (l *Link) Send(track core.CaptureTrack) (core.MediaSender, protocol.RtpParameters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, protocol.RtpParameters{}, ErrStopped
	}
	s := &Sender{}
	l.senders = append(l.senders, s)
	codec := track.Codec()
	return s, protocol.RtpParameters{
		Codecs:    []protocol.RtpCodecParameters{{MimeType: codec.MimeType, PayloadType: 100, ClockRate: codec.ClockRate}},
		Encodings: []protocol.RtpEncodingParameters{{Ssrc: uint32(1000 + len(l.senders))}},
	}, nil
}

func (l *Link) Receive(protocol.ConsumerData) (core.MediaReceiver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrStopped
	}
	r := NewReceiver()
	l.recvs = append(l.recvs, r)
	return r, nil
}

func (l *Link) OnStateChange(fn func(core.LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// Fire reports s to the installed state hook.
func (l *Link) Fire(s core.LinkState) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

func (l *Link) Receivers() []*Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Receiver(nil), l.recvs...)
}

type Sender struct {
	stopped atomic.Bool
}

func (s *Sender) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *Sender) Stopped() bool { return s.stopped.Load() }

// Receiver yields packets pushed with Push until stopped.
type Receiver struct {
	packets  chan *rtp.Packet
	stop     chan struct{}
	stopOnce sync.Once
}

func NewReceiver() *Receiver {
	return &Receiver{packets: make(chan *rtp.Packet, 16), stop: make(chan struct{})}
}

func (r *Receiver) Push(pkt *rtp.Packet) { r.packets <- pkt }

func (r *Receiver) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-r.packets:
		return pkt, nil
	case <-r.stop:
		return nil, ErrStopped
	}
}

func (r *Receiver) Stop() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *Receiver) Stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Track is a core.CaptureTrack without a media source.
type Track struct {
	kind    domain.MediaKind
	local   *webrtc.TrackLocalStaticSample
	paused  atomic.Bool
	stopped atomic.Bool

	once  sync.Once
	ended chan struct{}
}

var _ core.CaptureTrack = (*Track)(nil)

func NewTrack(kind domain.MediaKind) *Track {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == domain.KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), "fake")
	if err != nil {
		panic(err)
	}
	return &Track{kind: kind, local: local, ended: make(chan struct{})}
}

func (t *Track) Kind() domain.MediaKind           { return t.kind }
func (t *Track) Local() webrtc.TrackLocal         { return t.local }
func (t *Track) Codec() webrtc.RTPCodecCapability { return t.local.Codec() }
func (t *Track) SetPaused(paused bool)            { t.paused.Store(paused) }
func (t *Track) Paused() bool                     { return t.paused.Load() }
func (t *Track) Ended() <-chan struct{}           { return t.ended }
func (t *Track) Stopped() bool                    { return t.stopped.Load() }

func (t *Track) Stop() {
	t.stopped.Store(true)
	t.End()
}

// End simulates the source going away without Stop.
func (t *Track) End() { t.once.Do(func() { close(t.ended) }) }

// Sink records what a relay writes to it.
type Sink struct {
	Info core.RemoteTrackInfo

	mu      sync.Mutex
	packets []*rtp.Packet
	closed  bool
}

func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}
	s.packets = append(s.packets, pkt)
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Sink) Packets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sinks hands out a Sink per consumed track.
type Sinks struct {
	mu    sync.Mutex
	sinks []*Sink
}

func (s *Sinks) Factory(info core.RemoteTrackInfo) (core.MediaSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := &Sink{Info: info}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

func (s *Sinks) All() []*Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Sink(nil), s.sinks...)
}
