package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceClient/internal/app/sfu"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
)

type leaveMode int

const (
	// leaveRequest awaits the router's reply in the background and adopts its roster.
	leaveRequest leaveMode = iota
	// leaveNotify sends leave-room without awaiting a reply.
	leaveNotify
	// leaveSilent skips signaling; the channel is gone.
	leaveSilent
)

// Join enters room as user. It is a no-op unless the session is idle.
// On failure every resource created so far is released and the session is idle again.
func (s *Session) Join(ctx context.Context, roomID domain.RoomID, user domain.User) error {
	if roomID == "" {
		return domain.ErrRoomIDEmpty
	}
	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		s.logger.Debug().Str("room", string(roomID)).Str("status", status.String()).Msg("join ignored")
		return nil
	}
	s.status = StatusJoining
	s.epoch++
	epoch := s.epoch
	s.roomID = roomID
	s.user = user
	s.lastErr = nil
	s.mu.Unlock()

	logger := s.logger.With().Str("room", string(roomID)).Logger()
	logger.Info().Str("user", user.Username).Msg("joining")
	s.notify()

	r, entered, err := s.join(ctx, epoch, roomID, user)

	s.mu.Lock()
	stale := s.epoch != epoch
	if err == nil && stale {
		err = core.ErrJoinAborted
	}
	if err == nil {
		s.status = StatusJoined
	} else if !stale {
		s.status = StatusIdle
		s.epoch++
		s.cur = nil
		s.lastErr = err
	}
	s.mu.Unlock()

	if err != nil {
		if !stale {
			s.unsubscribeRoom()
		}
		if r != nil {
			r.close()
		}
		if entered {
			s.sendLeave(roomID, 0, leaveNotify)
		}
		if errors.Is(err, core.ErrJoinAborted) || errors.Is(err, core.ErrSessionClosed) {
			logger.Info().Msg("join aborted by leave")
			err = core.ErrJoinAborted
		} else {
			logger.Error().Err(err).Msg("join failed")
		}
		s.notify()
		return err
	}

	logger.Info().Msg("joined")
	s.notify()
	return nil
}

// join runs the join sequence. entered reports whether the router accepted
// join-room, so a failure must be followed by leave-room.
func (s *Session) join(ctx context.Context, epoch uint64, roomID domain.RoomID, user domain.User) (r *room, entered bool, err error) {
	var resp protocol.JoinRoomResponse
	err = s.deps.Signal.Request(ctx, protocol.ReqJoinRoom, protocol.JoinRoomRequest{
		RoomID:   roomID,
		PeerID:   s.deps.PeerID,
		UserID:   user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
	}, &resp)
	if err != nil {
		return nil, false, fmt.Errorf("join-room: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, true, fmt.Errorf("join-room: %w", err)
	}
	if !s.alive(epoch) {
		return nil, true, core.ErrJoinAborted
	}
	s.roster.Replace(resp.Participants)
	s.notify()

	device := s.deps.NewDevice()
	if err := device.Load(resp.RouterCapabilities); err != nil {
		if !errors.Is(err, core.ErrCapabilityNegotiationFailed) {
			err = fmt.Errorf("%w: %w", core.ErrCapabilityNegotiationFailed, err)
		}
		return nil, true, err
	}

	scope := sfu.Scope{Room: roomID, Peer: s.deps.PeerID, Username: user.Username}
	r = &room{id: roomID, device: device}

	sendLink, err := device.NewLink(domain.DirSend, resp.SendTransportOptions)
	if err != nil {
		return r, true, fmt.Errorf("create send transport: %w", err)
	}
	r.send = sfu.NewTransport(domain.DirSend, sendLink, s.deps.Signal, scope)

	recvLink, err := device.NewLink(domain.DirRecv, resp.RecvTransportOptions)
	if err != nil {
		return r, true, fmt.Errorf("create recv transport: %w", err)
	}
	r.recv = sfu.NewTransport(domain.DirRecv, recvLink, s.deps.Signal, scope)

	// Link callbacks come from pion goroutines; tear down off that stack.
	onFailed := func(err error) { s.bg.Go(func() { s.fail(epoch, err) }) }
	r.send.OnFailed(onFailed)
	r.recv.OnFailed(onFailed)

	r.producers = sfu.NewProducers(r.send, s.deps.Capture, device, s.deps.Signal, scope)
	r.consumers = sfu.NewConsumers(r.recv, device, s.deps.Signal, scope, s.deps.Sinks, s.audio)
	if s.deps.SinkPolicy != nil {
		r.consumers.SetPolicy(s.deps.SinkPolicy)
	}
	r.producers.OnChange(s.notify)
	r.consumers.OnChange(s.notify)

	if !s.attach(epoch, r) {
		return r, true, core.ErrJoinAborted
	}

	if _, err := r.producers.Produce(ctx, domain.KindAudio); err != nil {
		if core.IsFatal(err) || errors.Is(err, core.ErrSessionClosed) {
			return r, true, err
		}
		s.logger.Warn().Err(err).Msg("joined without microphone")
	}

	for _, p := range resp.ExistingProducers {
		if err := r.consumers.Consume(ctx, p); err != nil {
			if core.IsFatal(err) || errors.Is(err, core.ErrSessionClosed) {
				return r, true, err
			}
		}
	}

	if s.current(epoch) != r {
		return r, true, core.ErrJoinAborted
	}
	s.subscribeRoom(epoch)
	return r, true, nil
}

func (s *Session) alive(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// attach publishes r as the room of epoch while joining.
func (s *Session) attach(epoch uint64, r *room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.cur = r
	return true
}

// Leave returns to idle. Network cleanup is best-effort; a join in flight
// fails with ErrJoinAborted.
func (s *Session) Leave() {
	s.teardown(0, nil, leaveRequest)
}

// fail tears down the room of epoch after a fatal error.
func (s *Session) fail(epoch uint64, cause error) {
	mode := leaveNotify
	if errors.Is(cause, core.ErrSignalingUnavailable) {
		mode = leaveSilent
	}
	s.teardown(epoch, cause, mode)
}

// HandleSignalLost ends the session when the signaling channel drops.
func (s *Session) HandleSignalLost(cause error) {
	s.teardown(0, fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, cause), leaveSilent)
}

// teardown returns to idle from any state. epoch 0 matches whatever is current.
func (s *Session) teardown(epoch uint64, cause error, mode leaveMode) bool {
	s.mu.Lock()
	if s.status == StatusIdle || (epoch != 0 && s.epoch != epoch) {
		s.mu.Unlock()
		return false
	}
	was := s.status
	s.status = StatusIdle
	s.epoch++
	next := s.epoch
	r := s.cur
	s.cur = nil
	roomID := s.roomID
	if cause != nil {
		s.lastErr = cause
	}
	s.mu.Unlock()

	s.unsubscribeRoom()
	if r != nil {
		r.close()
	}
	if was == StatusJoined {
		s.sendLeave(roomID, next, mode)
	}

	ev := s.logger.Info()
	if cause != nil {
		ev = s.logger.Error().Err(cause)
	}
	ev.Str("room", string(roomID)).Str("from", was.String()).Msg("left room")
	s.notify()
	return true
}

// sendLeave tells the router this peer is gone.
func (s *Session) sendLeave(roomID domain.RoomID, epoch uint64, mode leaveMode) {
	req := protocol.LeaveRoomRequest{RoomID: roomID, PeerID: s.deps.PeerID}
	switch mode {
	case leaveSilent:
		return
	case leaveNotify:
		if err := s.deps.Signal.Notify(protocol.ReqLeaveRoom, req); err != nil {
			s.logger.Debug().Err(err).Msg("leave-room not sent")
		}
		return
	}

	s.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		var resp protocol.LeaveRoomResponse
		if err := s.deps.Signal.Request(ctx, protocol.ReqLeaveRoom, req, &resp); err != nil {
			s.logger.Warn().Err(err).Str("room", string(roomID)).Msg("leave-room failed")
			return
		}
		s.mu.Lock()
		current := s.epoch == epoch && s.status == StatusIdle
		s.mu.Unlock()
		if !current || resp.Participants == nil {
			return
		}
		s.roster.Replace(resp.Participants)
		s.notify()
	})
}

// FetchParticipants refreshes the roster of channel from the router.
func (s *Session) FetchParticipants(ctx context.Context, channel domain.RoomID) ([]domain.Participant, error) {
	var resp protocol.GetParticipantsResponse
	if err := s.deps.Signal.Request(ctx, protocol.ReqGetParticipants, protocol.GetParticipantsRequest{ChannelID: channel}, &resp); err != nil {
		return nil, fmt.Errorf("get-participants: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("get-participants: status %q", resp.Status)
	}
	s.roster.Replace(resp.Participants)
	s.notify()
	return s.roster.Snapshot(), nil
}
