package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

// RegistryEvents receives membership changes synchronously. Removal in
// particular must tear links down in the same call stack, never on a later
// snapshot.
type RegistryEvents struct {
	OnAdded   func(domain.Participant)
	OnRemoved func(domain.ParticipantID)
	OnUpdated func(domain.Participant)
}

type regEntry struct {
	p     domain.Participant
	meter core.AudioLevelSource
}

// Registry is the local merged view of room membership: external snapshots
// win for identity and media-state fields, locally attached ephemeral data
// (audio meter, speaking flag) survives as long as the id does.
type Registry struct {
	mu       sync.RWMutex
	entries  map[domain.ParticipantID]*regEntry
	handlers []RegistryEvents
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[domain.ParticipantID]*regEntry),
	}
}

func (r *Registry) Subscribe(h RegistryEvents) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// ApplySnapshot merges a full-replace membership snapshot. Ids absent from
// the snapshot are dropped entirely, ephemeral data included.
func (r *Registry) ApplySnapshot(snap []domain.Participant) {
	var added, updated []domain.Participant
	var removed []domain.ParticipantID

	r.mu.Lock()
	seen := make(map[domain.ParticipantID]bool, len(snap))
	for _, p := range snap {
		seen[p.ID] = true
		if e, ok := r.entries[p.ID]; ok {
			merged := p
			merged.IsSpeaking = e.p.IsSpeaking
			if merged != e.p {
				e.p = merged
				updated = append(updated, merged)
			}
			continue
		}
		r.entries[p.ID] = &regEntry{p: p}
		added = append(added, p)
	}
	for id := range r.entries {
		if !seen[id] {
			removed = append(removed, id)
			delete(r.entries, id)
		}
	}
	handlers := append([]RegistryEvents(nil), r.handlers...)
	r.mu.Unlock()

	for _, p := range added {
		log.Info().Str("module", "app.registry").Str("id", string(p.ID)).Msg("participant added")
	}
	for _, id := range removed {
		log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("participant removed")
	}
	for _, h := range handlers {
		for _, p := range added {
			if h.OnAdded != nil {
				h.OnAdded(p)
			}
		}
		for _, id := range removed {
			if h.OnRemoved != nil {
				h.OnRemoved(id)
			}
		}
		for _, p := range updated {
			if h.OnUpdated != nil {
				h.OnUpdated(p)
			}
		}
	}
}

// Adopt upserts one participant from an offer snapshot, so the peer is
// visible before any media or membership snapshot arrives.
func (r *Registry) Adopt(p domain.Participant) {
	r.mu.Lock()
	e, ok := r.entries[p.ID]
	if ok {
		merged := p
		merged.IsSpeaking = e.p.IsSpeaking
		e.p = merged
	} else {
		r.entries[p.ID] = &regEntry{p: p}
	}
	handlers := append([]RegistryEvents(nil), r.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		if ok && h.OnUpdated != nil {
			h.OnUpdated(p)
		}
		if !ok && h.OnAdded != nil {
			h.OnAdded(p)
		}
	}
}

// Drop removes one id locally, ahead of the next authoritative snapshot.
// Used when a peer announces a graceful leave.
func (r *Registry) Drop(id domain.ParticipantID) {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	handlers := append([]RegistryEvents(nil), r.handlers...)
	r.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("participant dropped")
	for _, h := range handlers {
		if h.OnRemoved != nil {
			h.OnRemoved(id)
		}
	}
}

func (r *Registry) Get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.p, true
	}
	return domain.Participant{}, false
}

// Snapshot returns all participants ordered by join time.
func (r *Registry) Snapshot() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AttachMeter binds an inbound audio meter to a participant. Dropped
// together with the entry when the id leaves the snapshot.
func (r *Registry) AttachMeter(id domain.ParticipantID, m core.AudioLevelSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.meter = m
	}
}

// ForEachMeter visits every participant with an attached inbound stream.
func (r *Registry) ForEachMeter(fn func(domain.ParticipantID, core.AudioLevelSource)) {
	r.mu.RLock()
	type pair struct {
		id domain.ParticipantID
		m  core.AudioLevelSource
	}
	pairs := make([]pair, 0, len(r.entries))
	for id, e := range r.entries {
		if e.meter != nil {
			pairs = append(pairs, pair{id, e.meter})
		}
	}
	r.mu.RUnlock()
	for _, p := range pairs {
		fn(p.id, p.m)
	}
}

// SetSpeaking flips the advisory speaking flag, emitting an update only on
// an actual change.
func (r *Registry) SetSpeaking(id domain.ParticipantID, speaking bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.p.IsSpeaking == speaking {
		r.mu.Unlock()
		return
	}
	e.p.IsSpeaking = speaking
	p := e.p
	handlers := append([]RegistryEvents(nil), r.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		if h.OnUpdated != nil {
			h.OnUpdated(p)
		}
	}
}
