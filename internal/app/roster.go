package app

import (
	"slices"
	"sync"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

// Roster is the participant list of the current channel, in arrival order.
// Entries are unique by Participant.Key.
type Roster struct {
	mu      sync.RWMutex
	members []domain.Participant
}

func NewRoster() *Roster {
	return &Roster{}
}

// Replace swaps the whole list, dropping duplicate keys.
func (r *Roster) Replace(list []domain.Participant) {
	out := make([]domain.Participant, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, p := range list {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}

	r.mu.Lock()
	r.members = out
	r.mu.Unlock()
	log.Debug().Str("module", "app.roster").Int("count", len(out)).Msg("replaced roster")
}

// Add appends p unless an entry with the same key exists. It reports whether p was added.
func (r *Roster) Add(p domain.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := p.Key()
	if slices.ContainsFunc(r.members, func(m domain.Participant) bool { return m.Key() == k }) {
		return false
	}
	r.members = append(r.members, p)
	log.Info().Str("module", "app.roster").Str("user", p.Username).Str("channel", string(p.ChannelID)).Msg("participant joined")
	return true
}

// Remove drops the entry with p's key. It reports whether anything was removed.
func (r *Roster) Remove(p domain.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := p.Key()
	n := len(r.members)
	r.members = slices.DeleteFunc(r.members, func(m domain.Participant) bool { return m.Key() == k })
	if len(r.members) == n {
		return false
	}
	log.Info().Str("module", "app.roster").Str("user", p.Username).Str("channel", string(p.ChannelID)).Msg("participant left")
	return true
}

func (r *Roster) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.members)
}

func (r *Roster) Clear() {
	r.mu.Lock()
	r.members = nil
	r.mu.Unlock()
}
