// Package protocol describes the signaling contract between the client and
// the media router. Payloads arriving from the server are validated here
// before anything else sees them.
package protocol

// Correlated requests.
const (
	ReqJoinRoom         = "join-room"
	ReqConnectTransport = "connect-transport"
	ReqProduce          = "produce"
	ReqConsume          = "consume"
	ReqLeaveRoom        = "leave-room"
	ReqProducerPause    = "producer-pause"
	ReqProducerResume   = "producer-resume"
	ReqProducerClose    = "producer-close"
	ReqGetParticipants  = "get-participants"
)

// Server-pushed events.
const (
	EvNewProducer     = "new-producer"
	EvPeerLeft        = "peer-left"
	EvUserJoined      = "user-joined"
	EvUserLeft        = "user-left"
	EvProducerClosed  = "producer-closed"
	EvProducerPaused  = "producer-paused"
	EvProducerResumed = "producer-resumed"
)

// RoomEvents are subscribed only while joined.
var RoomEvents = []string{
	EvNewProducer,
	EvPeerLeft,
	EvProducerClosed,
	EvProducerPaused,
	EvProducerResumed,
}
