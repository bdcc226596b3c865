// Package session is the room session state machine: it joins and leaves
// rooms, wires the transports and the producer and consumer registries
// together, and publishes a single state snapshot.
package session

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/app/sfu"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const leaveTimeout = 5 * time.Second

type Status int

const (
	StatusIdle Status = iota
	StatusJoining
	StatusJoined
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusJoining:
		return "joining"
	case StatusJoined:
		return "joined"
	}
	return "unknown"
}

// Deps are the collaborators of a Session. NewDevice is called once per join
// since negotiated capabilities cannot be reloaded.
type Deps struct {
	Signal    core.SignalChannel
	NewDevice func() core.Device
	Capture   core.CaptureDevice
	Sinks     core.SinkFactory
	PeerID    domain.PeerID
	// SinkPolicy overrides the consumers' default when set.
	SinkPolicy app.SinkPolicy
}

// State is the read-only snapshot handed to the presentation layer.
type State struct {
	Joined        bool                        `json:"joined"`
	IsJoining     bool                        `json:"isJoining"`
	RoomID        domain.RoomID               `json:"roomId,omitempty"`
	PeerID        domain.PeerID               `json:"peerId"`
	LocalStream   []sfu.LocalProducer         `json:"localStream"`
	ScreenStream  *sfu.LocalProducer          `json:"screenStream"`
	MicPaused     bool                        `json:"micPaused"`
	RemoteTracks  []sfu.RemoteTrack           `json:"remoteTracks"`
	Participants  []domain.Participant        `json:"participants"`
	AudioSettings map[string]app.AudioSetting `json:"audioSettings"`
	LastError     string                      `json:"lastError,omitempty"`
}

// room holds everything created for one join. It is torn down as a unit.
type room struct {
	id        domain.RoomID
	device    core.Device
	send      *sfu.Transport
	recv      *sfu.Transport
	producers *sfu.Producers
	consumers *sfu.Consumers
	teardown  sync.Once
}

func (r *room) close() {
	r.teardown.Do(func() {
		if r.send != nil {
			r.send.Close()
		}
		if r.recv != nil {
			r.recv.Close()
		}
		if r.producers != nil {
			r.producers.CloseAll()
		}
		if r.consumers != nil {
			r.consumers.Clear()
		}
	})
}

// Session is the single room session of the process.
type Session struct {
	deps   Deps
	roster *app.Roster
	audio  *app.AudioSettings
	logger zerolog.Logger

	mu       sync.Mutex
	status   Status
	epoch    uint64
	roomID   domain.RoomID
	user     domain.User
	cur      *room
	lastErr  error
	onChange func(State)

	bg conc.WaitGroup
}

func New(deps Deps) *Session {
	if deps.PeerID == "" {
		deps.PeerID = domain.PeerID(uuid.NewString())
	}
	s := &Session{
		deps:   deps,
		roster: app.NewRoster(),
		audio:  app.NewAudioSettings(),
		logger: log.With().
			Str("module", "app.session").
			Str("peer", string(deps.PeerID)).
			Logger(),
	}
	s.subscribeRoster()
	return s
}

func (s *Session) PeerID() domain.PeerID { return s.deps.PeerID }

// OnChange sets the single hook invoked with a fresh snapshot after every change.
func (s *Session) OnChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(s.Snapshot())
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	st := State{
		Joined:    s.status == StatusJoined,
		IsJoining: s.status == StatusJoining,
		PeerID:    s.deps.PeerID,
	}
	if s.status != StatusIdle {
		st.RoomID = s.roomID
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	cur := s.cur
	s.mu.Unlock()

	st.LocalStream = []sfu.LocalProducer{}
	st.RemoteTracks = []sfu.RemoteTrack{}
	if cur != nil {
		for _, p := range cur.producers.List() {
			if p.Kind == domain.KindScreen {
				st.ScreenStream = &p
				continue
			}
			if p.Kind == domain.KindAudio {
				st.MicPaused = p.Paused
			}
			st.LocalStream = append(st.LocalStream, p)
		}
		st.RemoteTracks = cur.consumers.Tracks()
	}
	st.Participants = s.roster.Snapshot()
	st.AudioSettings = s.audio.Snapshot()
	return st
}

// current returns the room of epoch, or nil when it has been superseded.
func (s *Session) current(epoch uint64) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil
	}
	return s.cur
}

// joined returns the room when the session is fully joined.
func (s *Session) joined() (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusJoined || s.cur == nil {
		return nil, core.ErrNotJoined
	}
	return s.cur, nil
}

// Close leaves without awaiting the router and waits for background work.
func (s *Session) Close() {
	s.teardown(0, nil, leaveNotify)
	s.bg.Wait()
}
