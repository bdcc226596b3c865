package app

import "github.com/dkeye/VoiceClient/internal/core"

type SinkAction int

const (
	KeepSink SinkAction = iota
	DropPacket
	CloseSink
)

// SinkPolicy decides what happens when a sink rejects a packet.
type SinkPolicy interface {
	OnWriteError(info core.RemoteTrackInfo, err error, failures int) SinkAction
}

// TolerantPolicy drops packets until limit consecutive writes fail, then closes the sink.
type TolerantPolicy struct {
	Limit int
}

func (p TolerantPolicy) OnWriteError(_ core.RemoteTrackInfo, _ error, failures int) SinkAction {
	if p.Limit > 0 && failures >= p.Limit {
		return CloseSink
	}
	return DropPacket
}
