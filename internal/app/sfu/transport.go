package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TransportState int32

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Scope identifies the room membership a request is made on behalf of.
type Scope struct {
	Room     domain.RoomID
	Peer     domain.PeerID
	Username string
}

var errWrongDirection = errors.New("wrong transport direction")

// Transport is one direction of media towards the router. The connect
// handshake runs lazily on the first Produce or Receive; failed is terminal.
type Transport struct {
	dir    domain.Direction
	link   core.MediaLink
	sig    core.SignalChannel
	scope  Scope
	logger zerolog.Logger

	mu       sync.Mutex
	state    TransportState
	ready    chan struct{}
	err      error
	onFailed func(error)
	failOnce sync.Once
}

func NewTransport(dir domain.Direction, link core.MediaLink, sig core.SignalChannel, scope Scope) *Transport {
	t := &Transport{
		dir:   dir,
		link:  link,
		sig:   sig,
		scope: scope,
		logger: log.With().
			Str("module", "sfu.transport").
			Str("transport", link.ID()).
			Str("dir", string(dir)).
			Logger(),
	}
	link.OnStateChange(t.onLinkState)
	return t
}

func (t *Transport) ID() string { return t.link.ID() }

func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnFailed sets the single hook fired once when the transport fails.
func (t *Transport) OnFailed(fn func(error)) {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
}

func (t *Transport) ensureConnected(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case TransportConnected:
		t.mu.Unlock()
		return nil
	case TransportFailed:
		err := t.err
		t.mu.Unlock()
		return err
	case TransportClosed:
		t.mu.Unlock()
		return core.ErrTransportClosed
	case TransportConnecting:
		ready := t.ready
		t.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		return t.ensureConnected(ctx)
	}
	t.state = TransportConnecting
	t.ready = make(chan struct{})
	ready := t.ready
	t.mu.Unlock()

	t.logger.Debug().Msg("connecting")
	// The handshake runs to completion even if the first caller gives up;
	// only the router or the link can fail it.
	err := t.connect(context.WithoutCancel(ctx))

	t.mu.Lock()
	switch {
	case t.state == TransportClosed:
		err = core.ErrTransportClosed
	case err != nil:
		t.state = TransportFailed
		t.err = err
	default:
		t.state = TransportConnected
	}
	failed := t.state == TransportFailed
	close(ready)
	t.mu.Unlock()

	if failed {
		t.fail(err)
		return err
	}
	if err == nil {
		t.logger.Info().Msg("connected")
	}
	return err
}

func (t *Transport) connect(ctx context.Context) error {
	dtls, err := t.link.LocalDTLSParameters()
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransportConnectFailed, err)
	}

	var resp protocol.ConnectTransportResponse
	err = t.sig.Request(ctx, protocol.ReqConnectTransport, protocol.ConnectTransportRequest{
		RoomID:         t.scope.Room,
		PeerID:         t.scope.Peer,
		TransportID:    t.link.ID(),
		DtlsParameters: dtls,
	}, &resp)
	if err != nil {
		if errors.Is(err, core.ErrSignalingUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrTransportConnectFailed, err)
	}
	if !resp.Connected {
		reason := resp.Error
		if reason == "" {
			reason = "rejected by router"
		}
		return fmt.Errorf("%w: %s", core.ErrTransportConnectFailed, reason)
	}

	if err := t.link.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransportConnectFailed, err)
	}
	return nil
}

func (t *Transport) onLinkState(s core.LinkState) {
	if s == core.LinkConnected {
		return
	}
	t.mu.Lock()
	if t.state != TransportConnected {
		t.mu.Unlock()
		return
	}
	t.state = TransportFailed
	t.err = fmt.Errorf("%w: link lost", core.ErrTransportConnectFailed)
	err := t.err
	t.mu.Unlock()

	t.fail(err)
}

func (t *Transport) fail(err error) {
	t.failOnce.Do(func() {
		t.logger.Error().Err(err).Msg("transport failed")
		t.mu.Lock()
		fn := t.onFailed
		t.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}

// Produce sends track on this transport and announces it to the router.
// The returned id is server-assigned.
func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, track core.CaptureTrack) (string, core.MediaSender, error) {
	if t.dir != domain.DirSend {
		return "", nil, errWrongDirection
	}
	if err := t.ensureConnected(ctx); err != nil {
		return "", nil, err
	}
	sender, params, err := t.link.Send(track)
	if err != nil {
		return "", nil, fmt.Errorf("send %s: %w", kind, err)
	}

	var resp protocol.ProduceResponse
	err = t.sig.Request(ctx, protocol.ReqProduce, protocol.ProduceRequest{
		RoomID:        t.scope.Room,
		PeerID:        t.scope.Peer,
		Username:      t.scope.Username,
		TransportID:   t.link.ID(),
		Kind:          kind.Wire(),
		RtpParameters: params,
		AppData:       protocol.ProduceAppData{MediaKind: kind},
	}, &resp)
	if err == nil && resp.ProducerID == "" {
		err = errors.New("router returned no producer id")
	}
	if err != nil {
		_ = sender.Stop()
		return "", nil, fmt.Errorf("produce %s: %w", kind, err)
	}
	return resp.ProducerID, sender, nil
}

// Receive binds a server-side consumer to this transport.
func (t *Transport) Receive(ctx context.Context, data protocol.ConsumerData) (core.MediaReceiver, error) {
	if t.dir != domain.DirRecv {
		return nil, errWrongDirection
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return t.link.Receive(data)
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportClosed
	t.mu.Unlock()

	if err := t.link.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("close error")
	}
	t.logger.Info().Msg("closed")
}
