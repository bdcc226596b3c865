package domain

import "fmt"

// MediaKind is the local notion of a media source. Screen-share travels as
// wire kind "video" but is tracked separately so camera and screen can be
// produced at the same time.
type MediaKind string

const (
	KindAudio  MediaKind = "audio"
	KindVideo  MediaKind = "video"
	KindScreen MediaKind = "screen"
)

// WireKind is the kind understood by the media router ("audio" or "video").
type WireKind string

const (
	WireAudio WireKind = "audio"
	WireVideo WireKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(s); k {
	case KindAudio, KindVideo, KindScreen:
		return k, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

func (k MediaKind) Wire() WireKind {
	if k == KindAudio {
		return WireAudio
	}
	return WireVideo
}

func (k WireKind) Valid() bool { return k == WireAudio || k == WireVideo }

// Direction of a media transport relative to this client.
type Direction string

const (
	DirSend Direction = "send"
	DirRecv Direction = "recv"
)
