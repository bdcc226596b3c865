package sfu

import (
	"sync/atomic"

	"github.com/dkeye/VoiceClient/internal/core"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is the sink end of a relay.
type OutTrack struct {
	Sink  core.MediaSink
	state atomic.Int32
}

func NewOutTrack(sink core.MediaSink, initial TrackState) *OutTrack {
	ot := &OutTrack{Sink: sink}
	ot.state.Store(int32(initial))
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// mark moves to s unless the track is already marked for delete.
func (ot *OutTrack) mark(s TrackState) bool {
	for {
		cur := ot.state.Load()
		if TrackState(cur) == TrackStateDelete {
			return false
		}
		if ot.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

func (ot *OutTrack) MarkOk() bool { return ot.mark(TrackStateOk) }

func (ot *OutTrack) MarkMuted() bool { return ot.mark(TrackStateMuted) }

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
