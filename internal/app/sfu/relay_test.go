package sfu

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/core/fakes"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type failingSink struct {
	writes int
	closed bool
}

func (s *failingSink) WriteRTP(*rtp.Packet) error {
	s.writes++
	return errors.New("disk full")
}

func (s *failingSink) Close() error {
	s.closed = true
	return nil
}

func TestOutTrackDeleteIsSticky(t *testing.T) {
	ot := NewOutTrack(&fakes.Sink{}, TrackStateMuted)
	require.True(t, ot.MarkOk())
	require.Equal(t, TrackStateOk, ot.GetState())

	ot.MarkDelete()
	require.False(t, ot.MarkOk())
	require.False(t, ot.MarkMuted())
	require.Equal(t, TrackStateDelete, ot.GetState())
}

func TestRelayStartsPaused(t *testing.T) {
	recv := fakes.NewReceiver()
	sink := &fakes.Sink{}
	r := NewRelay(recv, sink, core.RemoteTrackInfo{}, app.TolerantPolicy{})
	go r.loop()

	recv.Push(&rtp.Packet{})
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, sink.Packets())

	r.Resume()
	recv.Push(&rtp.Packet{})
	require.Eventually(t, func() bool { return sink.Packets() == 1 }, time.Second, 5*time.Millisecond)

	r.SetMuted(true)
	r.Resume()
	require.Equal(t, TrackStateMuted, r.Out.GetState())

	r.Stop()
	<-r.Done()
	require.True(t, sink.Closed())
	require.True(t, recv.Stopped())
}

func TestRelayClosesSinkByPolicy(t *testing.T) {
	recv := fakes.NewReceiver()
	sink := &failingSink{}
	r := NewRelay(recv, sink, core.RemoteTrackInfo{}, app.TolerantPolicy{Limit: 2})
	r.Resume()
	go r.loop()

	recv.Push(&rtp.Packet{})
	recv.Push(&rtp.Packet{})

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("relay kept running after the policy closed the sink")
	}
	require.Equal(t, 2, sink.writes)
	require.True(t, sink.closed)
	require.Equal(t, TrackStateDelete, r.Out.GetState())
}
