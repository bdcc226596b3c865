package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/core/fakes"
	"github.com/dkeye/VoiceClient/internal/core/mocks"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const localPeer domain.PeerID = "peer-alice"

var alice = domain.User{ID: "u-alice", Username: "alice"}

func transportOptions(id string) protocol.TransportOptions {
	return protocol.TransportOptions{
		ID:            id,
		IceParameters: protocol.IceParameters{UsernameFragment: "ufrag", Password: "pwd", IceLite: true},
		IceCandidates: []protocol.IceCandidate{{
			Foundation: "udp",
			Priority:   1,
			IP:         "127.0.0.1",
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DtlsParameters: protocol.DtlsParameters{
			Role:         "auto",
			Fingerprints: []protocol.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
	}
}

func joinResponse(existing []protocol.ProducerInfo, participants []domain.Participant) protocol.JoinRoomResponse {
	return protocol.JoinRoomResponse{
		SendTransportOptions: transportOptions("send-1"),
		RecvTransportOptions: transportOptions("recv-1"),
		RouterCapabilities: protocol.RtpCapabilities{Codecs: []protocol.RtpCodecCapability{
			{Kind: "audio", MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
		}},
		ExistingProducers: existing,
		Participants:      participants,
	}
}

func consumeOK(_ context.Context, raw json.RawMessage) (any, error) {
	var req protocol.ConsumeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return protocol.ConsumeResponse{ConsumerData: &protocol.ConsumerData{
		ID:         "c-" + req.ProducerID,
		ProducerID: req.ProducerID,
		Kind:       domain.WireAudio,
		RtpParameters: protocol.RtpParameters{
			Codecs:    []protocol.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000}},
			Encodings: []protocol.RtpEncodingParameters{{Ssrc: 7}},
		},
	}}, nil
}

type fixture struct {
	t       *testing.T
	sig     *fakes.Signal
	capture *mocks.MockCaptureDevice
	sinks   *fakes.Sinks
	sess    *Session

	mu        sync.Mutex
	devices   []*fakes.Device
	tracks    []*fakes.Track
	configure func(*fakes.Device)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		sig:     fakes.NewSignal(),
		capture: mocks.NewMockCaptureDevice(gomock.NewController(t)),
		sinks:   &fakes.Sinks{},
	}
	f.sig.Reply(protocol.ReqJoinRoom, joinResponse(nil, nil))
	f.sig.Reply(protocol.ReqConnectTransport, protocol.ConnectTransportResponse{Connected: true})
	f.sig.Handle(protocol.ReqProduce, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req protocol.ProduceRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return "prod-" + string(req.AppData.MediaKind), nil
	})
	f.sig.Handle(protocol.ReqConsume, consumeOK)

	f.sess = New(Deps{
		Signal:    f.sig,
		NewDevice: f.newDevice,
		Capture:   f.capture,
		Sinks:     f.sinks.Factory,
		PeerID:    localPeer,
	})
	t.Cleanup(f.sess.Close)
	return f
}

func (f *fixture) newDevice() core.Device {
	d := fakes.NewDevice()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configure != nil {
		f.configure(d)
	}
	f.devices = append(f.devices, d)
	return d
}

func (f *fixture) device() *fakes.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.devices)
	return f.devices[len(f.devices)-1]
}

// allowCapture lets every kind be acquired, handing out fresh tracks.
func (f *fixture) allowCapture() {
	f.capture.EXPECT().
		Acquire(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, kind domain.MediaKind) (core.CaptureTrack, error) {
			tr := fakes.NewTrack(kind)
			f.mu.Lock()
			f.tracks = append(f.tracks, tr)
			f.mu.Unlock()
			return tr, nil
		}).
		AnyTimes()
}

func (f *fixture) captured() []*fakes.Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakes.Track(nil), f.tracks...)
}

func (f *fixture) join() {
	f.t.Helper()
	require.NoError(f.t, f.sess.Join(context.Background(), "R1", alice))
}

func TestJoinScenario(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.sig.Reply(protocol.ReqJoinRoom, joinResponse(
		[]protocol.ProducerInfo{{PeerID: "bob", ProducerID: "p1", Kind: domain.WireAudio}},
		[]domain.Participant{{UserID: "bob", ChannelID: "R1"}},
	))

	f.join()

	st := f.sess.Snapshot()
	require.True(t, st.Joined)
	require.False(t, st.IsJoining)
	require.Equal(t, domain.RoomID("R1"), st.RoomID)
	require.Len(t, st.RemoteTracks, 1)
	require.Equal(t, "p1", st.RemoteTracks[0].ProducerID)
	require.Equal(t, domain.PeerID("bob"), st.RemoteTracks[0].PeerID)
	require.Equal(t, []domain.Participant{{UserID: "bob", ChannelID: "R1"}}, st.Participants)
	require.Len(t, st.LocalStream, 1)
	require.Equal(t, domain.KindAudio, st.LocalStream[0].Kind)
	require.Equal(t, "prod-audio", st.LocalStream[0].ProducerID)

	var req protocol.JoinRoomRequest
	require.NoError(t, f.sig.Calls(protocol.ReqJoinRoom)[0].Decode(&req))
	require.Equal(t, protocol.JoinRoomRequest{RoomID: "R1", PeerID: localPeer, UserID: "u-alice", Username: "alice"}, req)

	for _, ev := range protocol.RoomEvents {
		require.True(t, f.sig.Subscribed(ev), ev)
	}
}

func TestJoinWhileJoinedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.join()

	require.NoError(t, f.sess.Join(context.Background(), "R2", alice))
	require.Len(t, f.sig.Calls(protocol.ReqJoinRoom), 1)
	require.Len(t, f.device().Links(domain.DirSend), 1)
	require.Equal(t, domain.RoomID("R1"), f.sess.Snapshot().RoomID)
}

func TestLeaveClearsState(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.sig.Reply(protocol.ReqJoinRoom, joinResponse(
		[]protocol.ProducerInfo{
			{PeerID: "bob", ProducerID: "p1", Kind: domain.WireAudio},
			{PeerID: "carol", ProducerID: "p2", Kind: domain.WireAudio},
		},
		nil,
	))
	f.join()
	require.NoError(t, f.sess.StartCamera(context.Background()))
	require.Len(t, f.captured(), 2)

	f.sess.Leave()
	f.sess.Leave()

	st := f.sess.Snapshot()
	require.False(t, st.Joined)
	require.Empty(t, st.RemoteTracks)
	require.Empty(t, st.LocalStream)
	require.Equal(t, StatusIdle, f.sess.Status())

	d := f.device()
	require.True(t, d.Links(domain.DirSend)[0].Closed())
	require.True(t, d.Links(domain.DirRecv)[0].Closed())
	for _, tr := range f.captured() {
		require.True(t, tr.Stopped(), string(tr.Kind()))
	}
	for _, ev := range protocol.RoomEvents {
		require.False(t, f.sig.Subscribed(ev), ev)
	}
	require.True(t, f.sig.Subscribed(protocol.EvUserJoined))

	f.sess.bg.Wait()
	require.Len(t, f.sig.Calls(protocol.ReqLeaveRoom), 1)
	require.Empty(t, f.sig.Calls(protocol.ReqProducerClose))
}

func TestLeaveResponseReplacesRoster(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.sig.Reply(protocol.ReqLeaveRoom, protocol.LeaveRoomResponse{
		Participants: []domain.Participant{{UserID: "bob", Username: "bob", ChannelID: "R1"}},
	})
	f.join()

	f.sess.Leave()
	f.sess.bg.Wait()
	require.Equal(t, "bob", f.sess.Snapshot().Participants[0].Username)
}

func TestPeerLeftRemovesOnlyThatPeer(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.sig.Reply(protocol.ReqJoinRoom, joinResponse(
		[]protocol.ProducerInfo{
			{PeerID: "A", ProducerID: "a1", Kind: domain.WireAudio},
			{PeerID: "A", ProducerID: "a2", Kind: domain.WireVideo},
			{PeerID: "B", ProducerID: "b1", Kind: domain.WireAudio},
		},
		nil,
	))
	f.join()
	require.Len(t, f.sess.Snapshot().RemoteTracks, 3)

	require.True(t, f.sig.Emit(protocol.EvPeerLeft, protocol.PeerLeftEvent{PeerID: "A"}))

	tracks := f.sess.Snapshot().RemoteTracks
	require.Len(t, tracks, 1)
	require.Equal(t, domain.PeerID("B"), tracks[0].PeerID)
}

func TestProducerEvents(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.join()

	announce := protocol.ProducerInfo{PeerID: "bob", ProducerID: "p9", Kind: domain.WireAudio, Username: "bob"}
	f.sig.Emit(protocol.EvNewProducer, announce)
	f.sig.Emit(protocol.EvNewProducer, announce)
	f.sig.Emit(protocol.EvNewProducer, protocol.ProducerInfo{PeerID: localPeer, ProducerID: "prod-audio", Kind: domain.WireAudio})
	f.sig.Emit(protocol.EvNewProducer, map[string]string{"peerId": "bob"})
	f.sess.mu.Lock()
	r := f.sess.cur
	f.sess.mu.Unlock()
	r.consumers.Wait()

	tracks := f.sess.Snapshot().RemoteTracks
	require.Len(t, tracks, 1)
	require.Equal(t, "bob", tracks[0].Username)
	require.Len(t, f.sig.Calls(protocol.ReqConsume), 1)

	f.sig.Emit(protocol.EvProducerPaused, protocol.ProducerEvent{ProducerID: "p9"})
	require.True(t, f.sess.Snapshot().RemoteTracks[0].Paused)
	f.sig.Emit(protocol.EvProducerResumed, protocol.ProducerEvent{ProducerID: "p9"})
	require.False(t, f.sess.Snapshot().RemoteTracks[0].Paused)

	f.sig.Emit(protocol.EvProducerClosed, protocol.ProducerEvent{ProducerID: "p9"})
	require.Empty(t, f.sess.Snapshot().RemoteTracks)
}

func TestSinkPolicyReachesRelays(t *testing.T) {
	f := newFixture(t)
	f.sess = New(Deps{
		Signal:     f.sig,
		NewDevice:  f.newDevice,
		Capture:    f.capture,
		Sinks:      f.sinks.Factory,
		PeerID:     localPeer,
		SinkPolicy: app.TolerantPolicy{Limit: 1},
	})
	t.Cleanup(f.sess.Close)
	f.allowCapture()
	f.join()

	f.sig.Emit(protocol.EvNewProducer, protocol.ProducerInfo{PeerID: "bob", ProducerID: "p9", Kind: domain.WireAudio})
	f.sess.mu.Lock()
	r := f.sess.cur
	f.sess.mu.Unlock()
	r.consumers.Wait()

	sinks := f.sinks.All()
	require.Len(t, sinks, 1)
	receivers := f.device().Links(domain.DirRecv)[0].Receivers()
	require.Len(t, receivers, 1)

	// The default tolerates dozens of failures; a limit of one gives up on the first.
	require.NoError(t, sinks[0].Close())
	receivers[0].Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	require.Eventually(t, receivers[0].Stopped, time.Second, 5*time.Millisecond)
}

func TestJoinFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.configure = func(d *fakes.Device) {
		d.NewLinkErr = map[domain.Direction]error{domain.DirRecv: errors.New("no port")}
	}

	err := f.sess.Join(context.Background(), "R1", alice)
	require.Error(t, err)
	require.Equal(t, StatusIdle, f.sess.Status())

	st := f.sess.Snapshot()
	require.False(t, st.Joined)
	require.False(t, st.IsJoining)
	require.Empty(t, st.RemoteTracks)
	require.Empty(t, st.LocalStream)
	require.Contains(t, st.LastError, "no port")

	require.True(t, f.device().Links(domain.DirSend)[0].Closed())
	require.Len(t, f.sig.Notifications(protocol.ReqLeaveRoom), 1)

	// The session can join again.
	f.configure = nil
	f.allowCapture()
	f.join()
	require.True(t, f.sess.Snapshot().Joined)
}

func TestCapabilityFailureStopsBeforeTransports(t *testing.T) {
	f := newFixture(t)
	f.configure = func(d *fakes.Device) { d.LoadErr = errors.New("no common codec") }

	err := f.sess.Join(context.Background(), "R1", alice)
	require.ErrorIs(t, err, core.ErrCapabilityNegotiationFailed)
	require.Empty(t, f.device().Links(domain.DirSend))
	require.Empty(t, f.device().Links(domain.DirRecv))
}

func TestJoinSignalingFailure(t *testing.T) {
	f := newFixture(t)
	f.sig.Fail(protocol.ReqJoinRoom, core.ErrSignalingUnavailable)

	err := f.sess.Join(context.Background(), "R1", alice)
	require.ErrorIs(t, err, core.ErrSignalingUnavailable)
	require.Empty(t, f.sig.Notifications(protocol.ReqLeaveRoom))
}

func TestJoinRejectsMalformedRoom(t *testing.T) {
	f := newFixture(t)
	resp := joinResponse(nil, nil)
	resp.SendTransportOptions.IceCandidates = nil
	f.sig.Reply(protocol.ReqJoinRoom, resp)

	err := f.sess.Join(context.Background(), "R1", alice)
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	require.Equal(t, StatusIdle, f.sess.Status())
}

func TestMicrophoneUnavailableIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.capture.EXPECT().Acquire(gomock.Any(), domain.KindAudio).Return(nil, core.ErrDeviceUnavailable)

	f.join()
	st := f.sess.Snapshot()
	require.True(t, st.Joined)
	require.Empty(t, st.LocalStream)
}

func TestToggleMuteTwice(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.join()

	muted, err := f.sess.ToggleMute(context.Background())
	require.NoError(t, err)
	require.True(t, muted)
	require.True(t, f.sess.Snapshot().MicPaused)

	muted, err = f.sess.ToggleMute(context.Background())
	require.NoError(t, err)
	require.False(t, muted)
	require.False(t, f.sess.Snapshot().MicPaused)

	var actions []string
	for _, m := range f.sig.Methods() {
		if m == protocol.ReqProducerPause || m == protocol.ReqProducerResume {
			actions = append(actions, m)
		}
	}
	require.Equal(t, []string{protocol.ReqProducerPause, protocol.ReqProducerResume}, actions)
}

func TestToggleMuteRejectedKeepsMicLive(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.join()
	f.sig.Fail(protocol.ReqProducerPause, errors.New("no such producer"))

	muted, err := f.sess.ToggleMute(context.Background())
	require.Error(t, err)
	require.False(t, muted)
	require.False(t, f.sess.Snapshot().MicPaused)
}

func TestMediaControlsRequireJoin(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.sess.StartCamera(context.Background()), core.ErrNotJoined)
	require.ErrorIs(t, f.sess.StopScreenShare(context.Background()), core.ErrNotJoined)
	_, err := f.sess.ToggleMute(context.Background())
	require.ErrorIs(t, err, core.ErrNotJoined)
}

func TestScreenShare(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.join()

	require.NoError(t, f.sess.StartScreenShare(context.Background()))
	st := f.sess.Snapshot()
	require.NotNil(t, st.ScreenStream)
	require.Equal(t, "prod-screen", st.ScreenStream.ProducerID)

	var req protocol.ProduceRequest
	produces := f.sig.Calls(protocol.ReqProduce)
	require.NoError(t, produces[len(produces)-1].Decode(&req))
	require.Equal(t, domain.WireVideo, req.Kind)
	require.Equal(t, domain.KindScreen, req.AppData.MediaKind)

	require.NoError(t, f.sess.StopScreenShare(context.Background()))
	require.Nil(t, f.sess.Snapshot().ScreenStream)
	require.Len(t, f.sig.Calls(protocol.ReqProducerClose), 1)
}

func TestScreenShareEndedFromSource(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.join()
	require.NoError(t, f.sess.StartScreenShare(context.Background()))

	var screen *fakes.Track
	for _, tr := range f.captured() {
		if tr.Kind() == domain.KindScreen {
			screen = tr
		}
	}
	screen.End()

	require.Eventually(t, func() bool { return f.sess.Snapshot().ScreenStream == nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sig.Calls(protocol.ReqProducerClose)) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, f.sess.Snapshot().Joined)
}

func TestLeaveDuringJoin(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.sig.Handle(protocol.ReqJoinRoom, func(context.Context, json.RawMessage) (any, error) {
		<-release
		return joinResponse(nil, nil), nil
	})

	done := make(chan error, 1)
	go func() { done <- f.sess.Join(context.Background(), "R1", alice) }()
	require.Eventually(t, func() bool { return f.sess.Snapshot().IsJoining }, time.Second, 5*time.Millisecond)

	f.sess.Leave()
	require.Equal(t, StatusIdle, f.sess.Status())
	close(release)

	require.ErrorIs(t, <-done, core.ErrJoinAborted)
	require.Equal(t, StatusIdle, f.sess.Status())
	require.False(t, f.sess.Snapshot().Joined)
	require.Len(t, f.sig.Notifications(protocol.ReqLeaveRoom), 1)
}

func TestTransportFailureEndsSession(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.sig.Reply(protocol.ReqJoinRoom, joinResponse(
		[]protocol.ProducerInfo{{PeerID: "bob", ProducerID: "p1", Kind: domain.WireAudio}},
		nil,
	))
	f.join()

	f.device().Links(domain.DirRecv)[0].Fire(core.LinkFailed)

	require.Eventually(t, func() bool { return f.sess.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
	st := f.sess.Snapshot()
	require.Empty(t, st.RemoteTracks)
	require.Contains(t, st.LastError, core.ErrTransportConnectFailed.Error())
	require.Len(t, f.sig.Notifications(protocol.ReqLeaveRoom), 1)
}

func TestSignalLostEndsSession(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.join()

	f.sess.HandleSignalLost(errors.New("EOF"))
	require.Equal(t, StatusIdle, f.sess.Status())
	require.Contains(t, f.sess.Snapshot().LastError, core.ErrSignalingUnavailable.Error())
	require.Empty(t, f.sig.Notifications(protocol.ReqLeaveRoom))
	require.Empty(t, f.sig.Calls(protocol.ReqLeaveRoom))
}

func TestRosterEventsOutsideRoom(t *testing.T) {
	f := newFixture(t)
	bob := domain.Participant{UserID: "bob", Username: "bob", ChannelID: "R1"}

	require.True(t, f.sig.Emit(protocol.EvUserJoined, bob))
	f.sig.Emit(protocol.EvUserJoined, bob)
	f.sig.Emit(protocol.EvUserJoined, map[string]string{"channelId": "R1"})
	require.Equal(t, []domain.Participant{bob}, f.sess.Snapshot().Participants)

	f.sig.Emit(protocol.EvUserLeft, domain.Participant{UserID: "bob", ChannelID: "R1"})
	require.Empty(t, f.sess.Snapshot().Participants)
}

func TestFetchParticipants(t *testing.T) {
	f := newFixture(t)
	f.sig.Reply(protocol.ReqGetParticipants, protocol.GetParticipantsResponse{
		Status:       "ok",
		Participants: []domain.Participant{{Username: "dave", ChannelID: "R7"}},
	})

	got, err := f.sess.FetchParticipants(context.Background(), "R7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, got, f.sess.Snapshot().Participants)

	f.sig.Reply(protocol.ReqGetParticipants, protocol.GetParticipantsResponse{Status: "error"})
	_, err = f.sess.FetchParticipants(context.Background(), "R7")
	require.Error(t, err)
	require.Len(t, f.sess.Snapshot().Participants, 1)
}

func TestAudioSettings(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()
	f.sig.Reply(protocol.ReqJoinRoom, joinResponse(
		[]protocol.ProducerInfo{{PeerID: "bob", ProducerID: "p1", Kind: domain.WireAudio}},
		nil,
	))
	f.join()

	f.sess.SetVolume("p1", 7)
	f.sess.SetMuted("p1", true)
	st := f.sess.Snapshot()
	require.Equal(t, 1.0, st.AudioSettings["p1"].Volume)
	require.True(t, st.AudioSettings["p1"].Muted)

	f.sess.SetVolume("p1", 0.3)
	require.Equal(t, 0.3, f.sess.Snapshot().AudioSettings["p1"].Volume)
}

func TestOnChange(t *testing.T) {
	f := newFixture(t)
	f.allowCapture()

	var mu sync.Mutex
	var states []State
	f.sess.OnChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	f.join()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	require.True(t, states[0].IsJoining)
	require.True(t, states[len(states)-1].Joined)
}
