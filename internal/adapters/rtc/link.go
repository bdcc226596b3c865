package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const gatherTimeout = 10 * time.Second

var errLinkClosed = errors.New("link closed")

// Link is one ICE+DTLS association with the router, built on pion's ORTC API.
// The router is ICE-lite, so this side is always controlling and DTLS client.
type Link struct {
	dir  domain.Direction
	opts protocol.TransportOptions

	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	logger   zerolog.Logger

	mu      sync.Mutex
	onState func(core.LinkState)
	closed  bool
}

var _ core.MediaLink = (*Link)(nil)

func NewLink(api *webrtc.API, iceServers []webrtc.ICEServer, dir domain.Direction, opts protocol.TransportOptions) (*Link, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	return &Link{
		dir:      dir,
		opts:     opts,
		api:      api,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		logger: log.With().
			Str("module", "rtc.link").
			Str("transport_id", opts.ID).
			Str("dir", string(dir)).
			Logger(),
	}, nil
}

func (l *Link) ID() string { return l.opts.ID }

func (l *Link) LocalDTLSParameters() (protocol.DtlsParameters, error) {
	p, err := l.dtls.GetLocalParameters()
	if err != nil {
		return protocol.DtlsParameters{}, err
	}
	return fromLocalDTLS(p), nil
}

func (l *Link) OnStateChange(fn func(core.LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

func (l *Link) emit(s core.LinkState) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *Link) Start(ctx context.Context) error {
	candidates, err := toPionCandidates(l.opts.IceCandidates)
	if err != nil {
		return err
	}

	l.ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		l.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICETransportStateFailed:
			l.emit(core.LinkFailed)
		case webrtc.ICETransportStateClosed:
			l.emit(core.LinkClosed)
		}
	})
	l.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		l.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
		switch s {
		case webrtc.DTLSTransportStateConnected:
			l.emit(core.LinkConnected)
		case webrtc.DTLSTransportStateFailed:
			l.emit(core.LinkFailed)
		case webrtc.DTLSTransportStateClosed:
			l.emit(core.LinkClosed)
		}
	})

	gathered := make(chan struct{})
	var once sync.Once
	l.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := l.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		l.logger.Warn().Msg("candidate gathering timed out, starting with what we have")
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		if err := l.ice.SetRemoteCandidates(candidates); err != nil {
			done <- fmt.Errorf("remote candidates: %w", err)
			return
		}
		role := webrtc.ICERoleControlling
		params := webrtc.ICEParameters{
			UsernameFragment: l.opts.IceParameters.UsernameFragment,
			Password:         l.opts.IceParameters.Password,
			ICELite:          l.opts.IceParameters.IceLite,
		}
		if err := l.ice.Start(nil, params, &role); err != nil {
			done <- fmt.Errorf("ice start: %w", err)
			return
		}
		if err := l.dtls.Start(toRemoteDTLS(l.opts.DtlsParameters)); err != nil {
			done <- fmt.Errorf("dtls start: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		l.logger.Info().Msg("link connected")
		return nil
	case <-ctx.Done():
		_ = l.Close()
		return ctx.Err()
	}
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) Send(track core.CaptureTrack) (core.MediaSender, protocol.RtpParameters, error) {
	if l.isClosed() {
		return nil, protocol.RtpParameters{}, errLinkClosed
	}
	sender, err := l.api.NewRTPSender(track.Local(), l.dtls)
	if err != nil {
		return nil, protocol.RtpParameters{}, err
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, protocol.RtpParameters{}, err
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	return sender, toRtpParameters(params, track.Codec(), track.Local().StreamID()), nil
}

func (l *Link) Receive(data protocol.ConsumerData) (core.MediaReceiver, error) {
	if l.isClosed() {
		return nil, errLinkClosed
	}
	kind := webrtc.RTPCodecTypeVideo
	if data.Kind == domain.WireAudio {
		kind = webrtc.RTPCodecTypeAudio
	}
	receiver, err := l.api.NewRTPReceiver(kind, l.dtls)
	if err != nil {
		return nil, err
	}
	codec := data.RtpParameters.Codecs[0]
	enc := data.RtpParameters.Encodings[0]
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(enc.Ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, err
	}
	return &remoteReceiver{receiver: receiver}, nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := errors.Join(l.dtls.Stop(), l.ice.Stop(), l.gatherer.Close())
	if err != nil {
		l.logger.Error().Err(err).Msg("close error")
	} else {
		l.logger.Info().Msg("closed")
	}
	return err
}

type remoteReceiver struct {
	receiver *webrtc.RTPReceiver
}

func (r *remoteReceiver) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.receiver.Track().ReadRTP()
	return pkt, err
}

func (r *remoteReceiver) Stop() error { return r.receiver.Stop() }
