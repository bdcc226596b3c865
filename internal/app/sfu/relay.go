package sfu

import (
	"sync"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay pumps RTP from a consumed receiver into its sink. It starts muted
// until the consumer is resumed; a playback mute keeps it muted.
type Relay struct {
	Src    core.MediaReceiver
	Out    *OutTrack
	info   core.RemoteTrackInfo
	policy app.SinkPolicy
	logger zerolog.Logger

	mu     sync.Mutex
	paused bool
	muted  bool

	stopOnce sync.Once
	done     chan struct{}
}

func NewRelay(src core.MediaReceiver, sink core.MediaSink, info core.RemoteTrackInfo, policy app.SinkPolicy) *Relay {
	return &Relay{
		Src:    src,
		Out:    NewOutTrack(sink, TrackStateMuted),
		info:   info,
		policy: policy,
		paused: true,
		done:   make(chan struct{}),
		logger: log.With().
			Str("module", "sfu.relay").
			Str("peer", string(info.PeerID)).
			Str("producer", info.ProducerID).
			Str("consumer", info.ConsumerID).
			Logger(),
	}
}

func (r *Relay) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.apply()
}

// SetMuted toggles local playback without touching the consumer.
func (r *Relay) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
	r.apply()
}

func (r *Relay) apply() {
	if r.paused || r.muted {
		r.Out.MarkMuted()
		return
	}
	r.Out.MarkOk()
}

// loop reads RTP packets from the receiver and forwards them to the sink.
func (r *Relay) loop() {
	defer close(r.done)
	defer func() {
		if err := r.Out.Sink.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("sink close error")
		}
	}()

	failures := 0
	for {
		pkt, err := r.Src.ReadRTP()
		if err != nil {
			if r.Out.GetState() != TrackStateDelete {
				r.logger.Info().Err(err).Msg("relay read RTP error, stopping")
			}
			r.Out.MarkDelete()
			return
		}

		switch r.Out.GetState() {
		case TrackStateDelete:
			return
		case TrackStateMuted:
			continue
		case TrackStateOk:
		}

		if err := r.Out.Sink.WriteRTP(pkt); err != nil {
			failures++
			if r.policy.OnWriteError(r.info, err, failures) == app.CloseSink {
				r.logger.Error().Err(err).Int("failures", failures).Msg("relay write RTP error, closing sink")
				r.Out.MarkDelete()
				_ = r.Src.Stop()
				return
			}
			continue
		}
		failures = 0
	}
}

// Stop marks the relay for delete and stops the receiver, which ends loop.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.Out.MarkDelete()
		if err := r.Src.Stop(); err != nil {
			r.logger.Debug().Err(err).Msg("receiver stop error")
		}
	})
}

// Done is closed once loop has returned and the sink is closed.
func (r *Relay) Done() <-chan struct{} { return r.done }

// discard releases a relay whose loop never ran.
func (r *Relay) discard() {
	r.Stop()
	if err := r.Out.Sink.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("sink close error")
	}
	close(r.done)
}
