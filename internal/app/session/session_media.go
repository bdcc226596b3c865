package session

import (
	"context"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/domain"
)

func (s *Session) startMedia(ctx context.Context, kind domain.MediaKind) error {
	r, err := s.joined()
	if err != nil {
		return err
	}
	_, err = r.producers.Produce(ctx, kind)
	return err
}

func (s *Session) stopMedia(ctx context.Context, kind domain.MediaKind) error {
	r, err := s.joined()
	if err != nil {
		return err
	}
	return r.producers.Close(ctx, kind)
}

func (s *Session) StartCamera(ctx context.Context) error { return s.startMedia(ctx, domain.KindVideo) }

func (s *Session) StopCamera(ctx context.Context) error { return s.stopMedia(ctx, domain.KindVideo) }

func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.startMedia(ctx, domain.KindScreen)
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.stopMedia(ctx, domain.KindScreen)
}

// ToggleMute flips the microphone pause state and reports whether it is now muted.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	r, err := s.joined()
	if err != nil {
		return false, err
	}
	if r.producers.Paused(domain.KindAudio) {
		err = r.producers.Resume(ctx, domain.KindAudio)
	} else {
		err = r.producers.Pause(ctx, domain.KindAudio)
	}
	return r.producers.Paused(domain.KindAudio), err
}

// SetVolume stores the playback volume of a remote producer.
func (s *Session) SetVolume(producerID string, level float64) app.AudioSetting {
	st := s.audio.SetVolume(producerID, level)
	s.notify()
	return st
}

// SetMuted mutes or unmutes local playback of a remote producer.
func (s *Session) SetMuted(producerID string, muted bool) app.AudioSetting {
	st := s.audio.SetMuted(producerID, muted)
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r != nil {
		r.consumers.SetPlaybackMuted(producerID, muted)
	}
	s.notify()
	return st
}
