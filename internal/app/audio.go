package app

import (
	"maps"
	"math"
	"sync"
)

// AudioSetting is the local playback setting of one remote audio producer.
type AudioSetting struct {
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

var DefaultAudioSetting = AudioSetting{Volume: 1}

// SanitizeVolume maps NaN to 1 and clamps to [0,1].
func SanitizeVolume(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// AudioSettings holds playback settings keyed by producer id. They outlive
// the tracks they apply to so a reconnecting speaker keeps its volume.
type AudioSettings struct {
	mu       sync.RWMutex
	settings map[string]AudioSetting
}

func NewAudioSettings() *AudioSettings {
	return &AudioSettings{settings: make(map[string]AudioSetting)}
}

func (a *AudioSettings) Get(producerID string) AudioSetting {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.settings[producerID]; ok {
		return s
	}
	return DefaultAudioSetting
}

func (a *AudioSettings) SetVolume(producerID string, v float64) AudioSetting {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settings[producerID]
	if !ok {
		s = DefaultAudioSetting
	}
	s.Volume = SanitizeVolume(v)
	a.settings[producerID] = s
	return s
}

func (a *AudioSettings) SetMuted(producerID string, muted bool) AudioSetting {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settings[producerID]
	if !ok {
		s = DefaultAudioSetting
	}
	s.Muted = muted
	a.settings[producerID] = s
	return s
}

func (a *AudioSettings) Snapshot() map[string]AudioSetting {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.settings)
}

func (a *AudioSettings) Clear() {
	a.mu.Lock()
	clear(a.settings)
	a.mu.Unlock()
}
