package sfu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const defaultSinkFailureLimit = 50

// RecvPath is the part of the receive transport the registry needs.
type RecvPath interface {
	ID() string
	Receive(ctx context.Context, data protocol.ConsumerData) (core.MediaReceiver, error)
}

// CapabilitySource provides the capabilities sent with every consume request.
type CapabilitySource interface {
	RtpCapabilities() protocol.RtpCapabilities
}

// RemoteTrack is a read-only view of a consumed remote producer.
type RemoteTrack struct {
	PeerID     domain.PeerID   `json:"peerId"`
	Username   string          `json:"username"`
	ProducerID string          `json:"producerId"`
	ConsumerID string          `json:"consumerId"`
	Kind       domain.WireKind `json:"kind"`
	Paused     bool            `json:"paused"`
}

type consumer struct {
	track RemoteTrack
	relay *Relay
}

// dedupEntry is one reservation of a dedup key. Its address identifies the
// reservation, so a key released and reserved again is told apart.
type dedupEntry struct {
	peer     domain.PeerID
	producer string
}

// reservation is what reserve hands to complete.
type reservation struct {
	key    string
	entry  *dedupEntry
	policy app.SinkPolicy
}

func dedupKey(info protocol.ProducerInfo) string {
	return string(info.PeerID) + ":" + info.ProducerID + ":" + string(info.Kind)
}

// Consumers owns every remote track of a session. The dedup key
// (peer, producer, kind) is registered before any network round trip, so a
// repeated announcement never yields a second track.
type Consumers struct {
	recv   RecvPath
	caps   CapabilitySource
	sig    core.SignalChannel
	scope  Scope
	sinks  core.SinkFactory
	policy app.SinkPolicy
	audio  *app.AudioSettings
	logger zerolog.Logger

	mu       sync.Mutex
	keys     map[string]*dedupEntry
	tracks   []*consumer
	closed   bool
	onChange func()

	pumps conc.WaitGroup
	async conc.WaitGroup
}

func NewConsumers(
	recv RecvPath,
	caps CapabilitySource,
	sig core.SignalChannel,
	scope Scope,
	sinks core.SinkFactory,
	audio *app.AudioSettings,
) *Consumers {
	return &Consumers{
		recv:   recv,
		caps:   caps,
		sig:    sig,
		scope:  scope,
		sinks:  sinks,
		policy: app.TolerantPolicy{Limit: defaultSinkFailureLimit},
		audio:  audio,
		keys:   make(map[string]*dedupEntry),
		logger: log.With().
			Str("module", "sfu.consumers").
			Str("room", string(scope.Room)).
			Logger(),
	}
}

// SetPolicy replaces the sink policy for consumers created from now on.
func (c *Consumers) SetPolicy(p app.SinkPolicy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
}

// OnChange sets the hook fired after the track collection changes.
func (c *Consumers) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Consumers) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Consume subscribes to a remote producer. Announcements from this peer and
// already known keys are ignored. Errors other than fatal ones wrap ErrConsumeFailed.
func (c *Consumers) Consume(ctx context.Context, info protocol.ProducerInfo) error {
	res, err := c.reserve(info)
	if res == nil {
		return err
	}
	return c.complete(ctx, info, res)
}

// ConsumeAsync reserves the dedup key before returning and runs the rest of
// Consume in the background. Failures are logged.
func (c *Consumers) ConsumeAsync(ctx context.Context, info protocol.ProducerInfo) {
	res, err := c.reserve(info)
	if res == nil {
		if err != nil {
			c.logger.Debug().Err(err).Str("producer", info.ProducerID).Msg("consume skipped")
		}
		return
	}
	c.async.Go(func() {
		_ = c.complete(ctx, info, res)
	})
}

// Wait blocks until background consumes have settled.
func (c *Consumers) Wait() { c.async.Wait() }

// reserve registers the dedup key of info. A nil reservation means there is
// nothing to do: own producer, known key, or a closed registry (err set).
func (c *Consumers) reserve(info protocol.ProducerInfo) (*reservation, error) {
	if info.PeerID == c.scope.Peer {
		return nil, nil
	}
	key := dedupKey(info)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrSessionClosed
	}
	if _, ok := c.keys[key]; ok {
		return nil, nil
	}
	entry := &dedupEntry{peer: info.PeerID, producer: info.ProducerID}
	c.keys[key] = entry
	return &reservation{key: key, entry: entry, policy: c.policy}, nil
}

// owns reports whether res still holds its key. Callers hold c.mu.
func (c *Consumers) owns(res *reservation) bool {
	return c.keys[res.key] == res.entry
}

func (c *Consumers) complete(ctx context.Context, info protocol.ProducerInfo, res *reservation) error {
	cons, err := c.consume(ctx, info, res.policy)

	c.mu.Lock()
	if err != nil {
		if c.owns(res) {
			delete(c.keys, res.key)
		}
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("peer", string(info.PeerID)).Str("producer", info.ProducerID).Msg("consume failed")
		return err
	}
	if !c.owns(res) || c.closed {
		// Peer or producer went away, or the session left, while in flight.
		// A later reservation of the same key completes on its own.
		c.mu.Unlock()
		c.logger.Debug().Str("producer", info.ProducerID).Msg("discarding stale consumer")
		cons.relay.discard()
		return nil
	}
	c.tracks = append(c.tracks, cons)
	cons.relay.Resume()
	if info.Kind == domain.WireAudio && c.audio != nil {
		cons.relay.SetMuted(c.audio.Get(info.ProducerID).Muted)
	}
	c.pumps.Go(cons.relay.loop)
	c.mu.Unlock()

	c.logger.Info().
		Str("peer", string(info.PeerID)).
		Str("producer", info.ProducerID).
		Str("consumer", cons.track.ConsumerID).
		Str("kind", string(info.Kind)).
		Msg("consuming")
	c.changed()
	return nil
}

func (c *Consumers) consume(ctx context.Context, info protocol.ProducerInfo, policy app.SinkPolicy) (*consumer, error) {
	var resp protocol.ConsumeResponse
	err := c.sig.Request(ctx, protocol.ReqConsume, protocol.ConsumeRequest{
		RoomID:          c.scope.Room,
		PeerID:          c.scope.Peer,
		TransportID:     c.recv.ID(),
		ProducerID:      info.ProducerID,
		RtpCapabilities: c.caps.RtpCapabilities(),
	}, &resp)
	switch {
	case err != nil && errors.Is(err, core.ErrSignalingUnavailable):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %w", core.ErrConsumeFailed, err)
	case resp.Error != "":
		return nil, fmt.Errorf("%w: %s", core.ErrConsumeFailed, resp.Error)
	case resp.ConsumerData == nil:
		return nil, fmt.Errorf("%w: response without consumerData", core.ErrConsumeFailed)
	}
	data := *resp.ConsumerData
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConsumeFailed, err)
	}

	receiver, err := c.recv.Receive(ctx, data)
	if err != nil {
		if core.IsFatal(err) || errors.Is(err, core.ErrTransportClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrConsumeFailed, err)
	}

	codec := data.RtpParameters.Codecs[0]
	ti := core.RemoteTrackInfo{
		PeerID:     info.PeerID,
		Username:   info.Username,
		ProducerID: info.ProducerID,
		ConsumerID: data.ID,
		Kind:       data.Kind,
		MimeType:   codec.MimeType,
		ClockRate:  codec.ClockRate,
		Channels:   codec.Channels,
	}
	sink, err := c.sinks(ti)
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("%w: sink: %w", core.ErrConsumeFailed, err)
	}

	return &consumer{
		track: RemoteTrack{
			PeerID:     info.PeerID,
			Username:   info.Username,
			ProducerID: info.ProducerID,
			ConsumerID: data.ID,
			Kind:       info.Kind,
		},
		relay: NewRelay(receiver, sink, ti, policy),
	}, nil
}

// remove drops tracks and dedup keys matching match and stops their relays.
func (c *Consumers) remove(match func(dedupEntry) bool) int {
	c.mu.Lock()
	for k, e := range c.keys {
		if match(*e) {
			delete(c.keys, k)
		}
	}
	var gone []*consumer
	c.tracks = slices.DeleteFunc(c.tracks, func(cons *consumer) bool {
		if match(dedupEntry{peer: cons.track.PeerID, producer: cons.track.ProducerID}) {
			gone = append(gone, cons)
			return true
		}
		return false
	})
	c.mu.Unlock()

	for _, cons := range gone {
		cons.relay.Stop()
	}
	if len(gone) > 0 {
		c.changed()
	}
	return len(gone)
}

// RemoveByPeer drops every track of peer, including consumes still in flight.
func (c *Consumers) RemoveByPeer(peer domain.PeerID) int {
	n := c.remove(func(e dedupEntry) bool { return e.peer == peer })
	c.logger.Info().Str("peer", string(peer)).Int("tracks", n).Msg("peer left")
	return n
}

// RemoveByProducer drops the track of a closed remote producer.
func (c *Consumers) RemoveByProducer(producerID string) int {
	n := c.remove(func(e dedupEntry) bool { return e.producer == producerID })
	c.logger.Info().Str("producer", producerID).Int("tracks", n).Msg("producer closed")
	return n
}

// SetProducerPaused records a remote pause indicator. It reports whether a track matched.
func (c *Consumers) SetProducerPaused(producerID string, paused bool) bool {
	c.mu.Lock()
	found := false
	for _, cons := range c.tracks {
		if cons.track.ProducerID == producerID && cons.track.Paused != paused {
			cons.track.Paused = paused
			found = true
		}
	}
	c.mu.Unlock()
	if found {
		c.changed()
	}
	return found
}

// SetPlaybackMuted stops or restarts forwarding of a remote producer to its sink.
func (c *Consumers) SetPlaybackMuted(producerID string, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cons := range c.tracks {
		if cons.track.ProducerID == producerID {
			cons.relay.SetMuted(muted)
		}
	}
}

func (c *Consumers) Tracks() []RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RemoteTrack, 0, len(c.tracks))
	for _, cons := range c.tracks {
		out = append(out, cons.track)
	}
	return out
}

func (c *Consumers) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

// Clear stops every relay and waits for the pumps to exit. Later Consume calls fail.
func (c *Consumers) Clear() {
	c.mu.Lock()
	c.closed = true
	all := c.tracks
	c.tracks = nil
	clear(c.keys)
	c.mu.Unlock()

	for _, cons := range all {
		cons.relay.Stop()
	}
	c.pumps.Wait()
	if len(all) > 0 {
		c.logger.Info().Int("count", len(all)).Msg("cleared remote tracks")
	}
}
