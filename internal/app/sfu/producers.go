package sfu

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const notifyTimeout = 5 * time.Second

var ErrNoProducer = errors.New("no active producer")

// SendPath is the part of the send transport the registry needs.
type SendPath interface {
	Produce(ctx context.Context, kind domain.MediaKind, track core.CaptureTrack) (string, core.MediaSender, error)
}

// CapabilityGate reports whether the negotiated codecs allow sending kind.
type CapabilityGate interface {
	CanProduce(kind domain.MediaKind) bool
}

// Producer is one local media source bound to the send transport.
type Producer struct {
	Kind   domain.MediaKind
	ID     string
	track  core.CaptureTrack
	sender core.MediaSender
	paused bool

	closeOnce sync.Once
	closed    chan struct{}
}

// stop releases the capture and the sender. Safe to call more than once.
func (p *Producer) stop() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.sender != nil {
			_ = p.sender.Stop()
		}
		p.track.Stop()
	})
}

// LocalProducer is a read-only view of a Producer.
type LocalProducer struct {
	Kind       domain.MediaKind `json:"kind"`
	ProducerID string           `json:"producerId"`
	Paused     bool             `json:"paused"`
}

type inflight struct {
	done chan struct{}
	p    *Producer
	err  error
}

// Producers keeps at most one producer per media kind. Capture devices are
// acquired only here.
type Producers struct {
	send    SendPath
	capture core.CaptureDevice
	gate    CapabilityGate
	sig     core.SignalChannel
	scope   Scope
	logger  zerolog.Logger

	mu       sync.Mutex
	active   map[domain.MediaKind]*Producer
	pending  map[domain.MediaKind]*inflight
	closed   bool
	onChange func()

	watchers conc.WaitGroup
}

func NewProducers(send SendPath, capture core.CaptureDevice, gate CapabilityGate, sig core.SignalChannel, scope Scope) *Producers {
	return &Producers{
		send:    send,
		capture: capture,
		gate:    gate,
		sig:     sig,
		scope:   scope,
		active:  make(map[domain.MediaKind]*Producer),
		pending: make(map[domain.MediaKind]*inflight),
		logger: log.With().
			Str("module", "sfu.producers").
			Str("room", string(scope.Room)).
			Logger(),
	}
}

// OnChange sets the hook fired after producers are added or removed.
func (r *Producers) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Producers) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Produce starts sending kind. An active producer of that kind is returned
// as is; a concurrent call for the same kind waits for the first one.
func (r *Producers) Produce(ctx context.Context, kind domain.MediaKind) (*Producer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, core.ErrSessionClosed
	}
	if p, ok := r.active[kind]; ok {
		r.mu.Unlock()
		return p, nil
	}
	if fl, ok := r.pending[kind]; ok {
		r.mu.Unlock()
		select {
		case <-fl.done:
			return fl.p, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !r.gate.CanProduce(kind) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s not supported by negotiated codecs", core.ErrDeviceUnavailable, kind)
	}
	fl := &inflight{done: make(chan struct{})}
	r.pending[kind] = fl
	r.mu.Unlock()

	p, err := r.produce(ctx, kind)

	r.mu.Lock()
	delete(r.pending, kind)
	stale := err == nil && r.closed
	if stale {
		err = core.ErrSessionClosed
	} else if err == nil {
		r.active[kind] = p
	}
	if err != nil {
		fl.err = err
	} else {
		fl.p = p
	}
	close(fl.done)
	r.mu.Unlock()

	if stale {
		r.logger.Debug().Str("kind", string(kind)).Msg("discarding producer of a closed session")
		p.stop()
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info().Str("kind", string(kind)).Str("producer", p.ID).Msg("producing")
	r.watchers.Go(func() { r.watch(p) })
	r.changed()
	return p, nil
}

func (r *Producers) produce(ctx context.Context, kind domain.MediaKind) (*Producer, error) {
	track, err := r.capture.Acquire(ctx, kind)
	if err != nil {
		if !errors.Is(err, core.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", core.ErrDeviceUnavailable, err)
		}
		return nil, err
	}
	id, sender, err := r.send.Produce(ctx, kind, track)
	if err != nil {
		track.Stop()
		return nil, err
	}
	return &Producer{
		Kind:   kind,
		ID:     id,
		track:  track,
		sender: sender,
		closed: make(chan struct{}),
	}, nil
}

// watch performs the close sequence when the capture ends on its own.
func (r *Producers) watch(p *Producer) {
	select {
	case <-p.closed:
		return
	case <-p.track.Ended():
	}

	r.mu.Lock()
	if r.active[p.Kind] != p {
		r.mu.Unlock()
		return
	}
	delete(r.active, p.Kind)
	r.mu.Unlock()

	r.logger.Info().Str("kind", string(p.Kind)).Str("producer", p.ID).Msg("capture ended, closing producer")
	p.stop()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := r.signal(ctx, protocol.ReqProducerClose, p.ID); err != nil {
		r.logger.Warn().Err(err).Str("producer", p.ID).Msg("producer-close failed")
	}
	r.changed()
}

func (r *Producers) signal(ctx context.Context, method, producerID string) error {
	return r.sig.Request(ctx, method, protocol.ProducerActionRequest{
		RoomID:     r.scope.Room,
		PeerID:     r.scope.Peer,
		ProducerID: producerID,
	}, nil)
}

// Close stops the producer of kind and tells the router. Closing an absent kind is a no-op.
func (r *Producers) Close(ctx context.Context, kind domain.MediaKind) error {
	r.mu.Lock()
	p, ok := r.active[kind]
	if ok {
		delete(r.active, kind)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	p.stop()
	r.logger.Info().Str("kind", string(kind)).Str("producer", p.ID).Msg("producer closed")
	err := r.signal(ctx, protocol.ReqProducerClose, p.ID)
	r.changed()
	if err != nil {
		return fmt.Errorf("producer-close %s: %w", p.ID, err)
	}
	return nil
}

func (r *Producers) Pause(ctx context.Context, kind domain.MediaKind) error {
	return r.setPaused(ctx, kind, true)
}

func (r *Producers) Resume(ctx context.Context, kind domain.MediaKind) error {
	return r.setPaused(ctx, kind, false)
}

func (r *Producers) setPaused(ctx context.Context, kind domain.MediaKind, paused bool) error {
	r.mu.Lock()
	p, ok := r.active[kind]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoProducer, kind)
	}
	if p.paused == paused {
		r.mu.Unlock()
		return nil
	}
	p.paused = paused
	p.track.SetPaused(paused)
	r.mu.Unlock()

	method := protocol.ReqProducerResume
	if paused {
		method = protocol.ReqProducerPause
	}
	r.logger.Info().Str("kind", string(kind)).Str("producer", p.ID).Bool("paused", paused).Msg("producer state")
	r.changed()
	if err := r.signal(ctx, method, p.ID); err != nil {
		// Peers never saw the change; keep the local state in step with theirs.
		r.mu.Lock()
		reverted := r.active[kind] == p && p.paused == paused
		if reverted {
			p.paused = !paused
			p.track.SetPaused(!paused)
		}
		r.mu.Unlock()
		if reverted {
			r.changed()
		}
		return fmt.Errorf("%s %s: %w", method, p.ID, err)
	}
	return nil
}

// Paused reports the pause flag of kind; false when absent.
func (r *Producers) Paused(kind domain.MediaKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[kind]
	return ok && p.paused
}

func (r *Producers) Get(kind domain.MediaKind) (LocalProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[kind]
	if !ok {
		return LocalProducer{}, false
	}
	return LocalProducer{Kind: p.Kind, ProducerID: p.ID, Paused: p.paused}, true
}

// List returns active producers ordered by kind.
func (r *Producers) List() []LocalProducer {
	r.mu.Lock()
	out := make([]LocalProducer, 0, len(r.active))
	for _, p := range r.active {
		out = append(out, LocalProducer{Kind: p.Kind, ProducerID: p.ID, Paused: p.paused})
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b LocalProducer) int { return cmp.Compare(a.Kind, b.Kind) })
	return out
}

// CloseAll stops every producer without signaling; leave-room covers the
// server side. Produce calls still in flight are discarded when they settle.
func (r *Producers) CloseAll() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Producer, 0, len(r.active))
	for _, p := range r.active {
		all = append(all, p)
	}
	clear(r.active)
	r.mu.Unlock()

	for _, p := range all {
		p.stop()
	}
	r.watchers.Wait()
	if len(all) > 0 {
		r.logger.Info().Int("count", len(all)).Msg("closed all producers")
	}
}
