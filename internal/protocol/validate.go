package protocol

import (
	"errors"
	"fmt"
)

var ErrInvalidMessage = errors.New("invalid signaling message")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func (p ProducerInfo) Validate() error {
	if p.PeerID == "" {
		return invalid("producer without peerId")
	}
	if p.ProducerID == "" {
		return invalid("producer of peer %s without producerId", p.PeerID)
	}
	if !p.Kind.Valid() {
		return invalid("producer %s has kind %q", p.ProducerID, p.Kind)
	}
	return nil
}

func (o TransportOptions) Validate() error {
	if o.ID == "" {
		return invalid("transport without id")
	}
	if o.IceParameters.UsernameFragment == "" || o.IceParameters.Password == "" {
		return invalid("transport %s: missing ice parameters", o.ID)
	}
	if len(o.IceCandidates) == 0 {
		return invalid("transport %s: no ice candidates", o.ID)
	}
	for _, c := range o.IceCandidates {
		if c.IP == "" || c.Port == 0 {
			return invalid("transport %s: bad ice candidate %q", o.ID, c.Foundation)
		}
	}
	if len(o.DtlsParameters.Fingerprints) == 0 {
		return invalid("transport %s: no dtls fingerprints", o.ID)
	}
	return nil
}

func (r *JoinRoomResponse) Validate() error {
	if err := r.SendTransportOptions.Validate(); err != nil {
		return fmt.Errorf("send transport: %w", err)
	}
	if err := r.RecvTransportOptions.Validate(); err != nil {
		return fmt.Errorf("recv transport: %w", err)
	}
	for _, p := range r.ExistingProducers {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for _, p := range r.Participants {
		if p.Username == "" && p.UserID == "" {
			return invalid("participant without identity")
		}
	}
	return nil
}

func (d *ConsumerData) Validate() error {
	if d.ID == "" || d.ProducerID == "" {
		return invalid("consumer data without ids")
	}
	if !d.Kind.Valid() {
		return invalid("consumer %s has kind %q", d.ID, d.Kind)
	}
	if len(d.RtpParameters.Codecs) == 0 {
		return invalid("consumer %s has no codecs", d.ID)
	}
	if len(d.RtpParameters.Encodings) == 0 || d.RtpParameters.Encodings[0].Ssrc == 0 {
		return invalid("consumer %s has no ssrc", d.ID)
	}
	return nil
}

func (e *PeerLeftEvent) Validate() error {
	if e.PeerID == "" {
		return invalid("peer-left without peerId")
	}
	return nil
}

func (e *ProducerEvent) Validate() error {
	if e.ProducerID == "" {
		return invalid("producer event without producerId")
	}
	return nil
}
