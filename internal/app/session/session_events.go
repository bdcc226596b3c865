package session

import (
	"context"
	"encoding/json"

	"github.com/dkeye/VoiceClient/internal/protocol"
)

// subscribeRoster keeps the participant list current for the lifetime of the session.
func (s *Session) subscribeRoster() {
	s.deps.Signal.On(protocol.EvUserJoined, func(data json.RawMessage) {
		var ev protocol.UserEvent
		if !s.decode(protocol.EvUserJoined, data, &ev) {
			return
		}
		if s.roster.Add(ev) {
			s.notify()
		}
	})
	s.deps.Signal.On(protocol.EvUserLeft, func(data json.RawMessage) {
		var ev protocol.UserEvent
		if !s.decode(protocol.EvUserLeft, data, &ev) {
			return
		}
		if s.roster.Remove(ev) {
			s.notify()
		}
	})
}

func (s *Session) decode(event string, data json.RawMessage, v any) bool {
	if err := protocol.Decode(data, v); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("dropping malformed event")
		return false
	}
	return true
}

// subscribeRoom installs the live media handlers of the room joined at epoch.
// Handlers of a superseded epoch do nothing.
func (s *Session) subscribeRoom(epoch uint64) {
	on := func(event string, h func(r *room, data json.RawMessage)) {
		s.deps.Signal.On(event, func(data json.RawMessage) {
			r := s.current(epoch)
			if r == nil {
				return
			}
			h(r, data)
		})
	}

	on(protocol.EvNewProducer, func(r *room, data json.RawMessage) {
		var info protocol.ProducerInfo
		if !s.decode(protocol.EvNewProducer, data, &info) {
			return
		}
		if info.PeerID == s.deps.PeerID {
			return
		}
		r.consumers.ConsumeAsync(context.Background(), info)
	})

	on(protocol.EvPeerLeft, func(r *room, data json.RawMessage) {
		var ev protocol.PeerLeftEvent
		if !s.decode(protocol.EvPeerLeft, data, &ev) {
			return
		}
		r.consumers.RemoveByPeer(ev.PeerID)
	})

	on(protocol.EvProducerClosed, func(r *room, data json.RawMessage) {
		var ev protocol.ProducerEvent
		if !s.decode(protocol.EvProducerClosed, data, &ev) {
			return
		}
		r.consumers.RemoveByProducer(ev.ProducerID)
	})

	on(protocol.EvProducerPaused, func(r *room, data json.RawMessage) {
		var ev protocol.ProducerEvent
		if !s.decode(protocol.EvProducerPaused, data, &ev) {
			return
		}
		r.consumers.SetProducerPaused(ev.ProducerID, true)
	})

	on(protocol.EvProducerResumed, func(r *room, data json.RawMessage) {
		var ev protocol.ProducerEvent
		if !s.decode(protocol.EvProducerResumed, data, &ev) {
			return
		}
		r.consumers.SetProducerPaused(ev.ProducerID, false)
	})
}

func (s *Session) unsubscribeRoom() {
	for _, ev := range protocol.RoomEvents {
		s.deps.Signal.Off(ev)
	}
}
