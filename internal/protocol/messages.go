package protocol

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/dkeye/VoiceClient/internal/domain"
)

// ProducerInfo announces a remote producer, either in the join response or
// through a new-producer event.
type ProducerInfo struct {
	PeerID     domain.PeerID   `json:"peerId"`
	ProducerID string          `json:"producerId"`
	Kind       domain.WireKind `json:"kind"`
	Username   string          `json:"username,omitempty"`
}

type JoinRoomRequest struct {
	RoomID   domain.RoomID `json:"roomId"`
	PeerID   domain.PeerID `json:"peerId"`
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username"`
	Avatar   string        `json:"avatar,omitempty"`
}

type JoinRoomResponse struct {
	SendTransportOptions TransportOptions     `json:"sendTransportOptions"`
	RecvTransportOptions TransportOptions     `json:"recvTransportOptions"`
	RouterCapabilities   RtpCapabilities      `json:"rtpCapabilities"`
	ExistingProducers    []ProducerInfo       `json:"existingProducers"`
	Participants         []domain.Participant `json:"participants"`
}

type ConnectTransportRequest struct {
	RoomID         domain.RoomID  `json:"roomId"`
	PeerID         domain.PeerID  `json:"peerId"`
	TransportID    string         `json:"transportId"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ConnectTransportResponse struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type ProduceAppData struct {
	MediaKind domain.MediaKind `json:"mediaKind"`
}

type ProduceRequest struct {
	RoomID        domain.RoomID   `json:"roomId"`
	PeerID        domain.PeerID   `json:"peerId"`
	Username      string          `json:"username,omitempty"`
	TransportID   string          `json:"transportId"`
	Kind          domain.WireKind `json:"kind"`
	RtpParameters RtpParameters   `json:"rtpParameters"`
	AppData       ProduceAppData  `json:"appData"`
}

// ProduceResponse accepts either a bare producer id string or {"id": "..."}.
type ProduceResponse struct {
	ProducerID string
}

func (r *ProduceResponse) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		r.ProducerID = id
		return nil
	}
	var obj struct {
		ID         string `json:"id"`
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ProducerID = obj.ID
	if r.ProducerID == "" {
		r.ProducerID = obj.ProducerID
	}
	return nil
}

type ConsumeRequest struct {
	RoomID          domain.RoomID   `json:"roomId"`
	PeerID          domain.PeerID   `json:"peerId"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumerData struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          domain.WireKind `json:"kind"`
	RtpParameters RtpParameters   `json:"rtpParameters"`
}

type ConsumeResponse struct {
	ConsumerData *ConsumerData `json:"consumerData,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type LeaveRoomRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

type LeaveRoomResponse struct {
	Participants []domain.Participant `json:"participants"`
}

// ProducerActionRequest is the payload of producer-pause/resume/close.
type ProducerActionRequest struct {
	RoomID     domain.RoomID `json:"roomId"`
	PeerID     domain.PeerID `json:"peerId"`
	ProducerID string        `json:"producerId"`
}

type GetParticipantsRequest struct {
	ChannelID domain.RoomID `json:"channelId"`
}

type GetParticipantsResponse struct {
	Status       string               `json:"status"`
	Participants []domain.Participant `json:"participants"`
}

type PeerLeftEvent struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ProducerEvent struct {
	ProducerID string `json:"producerId"`
}

// UserEvent is the payload of user-joined and user-left.
type UserEvent = domain.Participant

// Decode unmarshals an event payload and validates it when it knows how.
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.Join(ErrInvalidMessage, errors.New("empty payload"))
	}
	// Fields absent from data must not survive from an earlier decode.
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().SetZero()
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(ErrInvalidMessage, err)
	}
	if val, ok := v.(interface{ Validate() error }); ok {
		return val.Validate()
	}
	return nil
}
