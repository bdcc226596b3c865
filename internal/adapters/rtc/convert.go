package rtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dkeye/VoiceClient/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// formatFmtp renders codec parameters as an SDP fmtp line with stable key order.
func formatFmtp(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := params[k].(type) {
		case float64:
			v = strconv.FormatFloat(val, 'f', -1, 64)
		case string:
			v = val
		default:
			v = fmt.Sprint(val)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
			continue
		}
		out[k] = v
	}
	return out
}

func toPionFeedback(fb []protocol.RtcpFeedback) []webrtc.RTCPFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func fromPionFeedback(fb []webrtc.RTCPFeedback) []protocol.RtcpFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]protocol.RtcpFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, protocol.RtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func toPionCandidates(in []protocol.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TcpType,
		})
	}
	return out, nil
}

// toRemoteDTLS pins the router to the server role; this client always dials as DTLS client.
func toRemoteDTLS(p protocol.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromLocalDTLS(p webrtc.DTLSParameters) protocol.DtlsParameters {
	out := protocol.DtlsParameters{Role: "client"}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, protocol.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

// toRtpParameters describes what an RTPSender emits, restricted to the codec of the sent track.
func toRtpParameters(p webrtc.RTPSendParameters, codec webrtc.RTPCodecCapability, cname string) protocol.RtpParameters {
	out := protocol.RtpParameters{Rtcp: protocol.RtcpParameters{Cname: cname, ReducedSize: true}}
	for _, c := range p.Codecs {
		if !strings.EqualFold(c.MimeType, codec.MimeType) {
			continue
		}
		out.Codecs = append(out.Codecs, protocol.RtpCodecParameters{
			MimeType:     c.MimeType,
			PayloadType:  uint8(c.PayloadType),
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   parseFmtp(c.SDPFmtpLine),
			RtcpFeedback: fromPionFeedback(c.RTCPFeedback),
		})
	}
	for _, ext := range p.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, protocol.RtpHeaderExtensionParameters{URI: ext.URI, ID: ext.ID})
	}
	for _, enc := range p.Encodings {
		out.Encodings = append(out.Encodings, protocol.RtpEncodingParameters{Ssrc: uint32(enc.SSRC), Rid: enc.RID})
	}
	return out
}
