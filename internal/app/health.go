package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

type healthRecord struct {
	lastActivity time.Time
	quality      core.Quality
}

// HealthMonitor tracks per-peer liveness independently of the PeerLink
// lifetime: records are retained for a grace period after failure so a
// flapping peer does not get reconnected the instant its link closes.
type HealthMonitor struct {
	mu      sync.RWMutex
	records map[domain.ParticipantID]*healthRecord

	staleThreshold  time.Duration
	failedRetention time.Duration

	// onStale requests a cheap ICE restart for a stale peer. It must only
	// touch an existing link, never create one.
	onStale func(domain.ParticipantID)

	now func() time.Time
}

func NewHealthMonitor(stale, retention time.Duration) *HealthMonitor {
	return &HealthMonitor{
		records:         make(map[domain.ParticipantID]*healthRecord),
		staleThreshold:  stale,
		failedRetention: retention,
		now:             time.Now,
	}
}

// OnStale wires the restart requester after construction; the monitor and
// the orchestrator reference each other.
func (h *HealthMonitor) OnStale(fn func(domain.ParticipantID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStale = fn
}

// Touch records activity on the peer, creating the record if needed.
func (h *HealthMonitor) Touch(id domain.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.records[id]; ok {
		rec.lastActivity = h.now()
		return
	}
	h.records[id] = &healthRecord{lastActivity: h.now(), quality: core.QualityGood}
}

// SetQuality updates the verdict and counts as activity.
func (h *HealthMonitor) SetQuality(id domain.ParticipantID, q core.Quality) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		rec = &healthRecord{}
		h.records[id] = rec
	}
	rec.lastActivity = h.now()
	rec.quality = q
}

// Quality returns QualityGood for unknown peers: an untried link ranks
// above a known-poor one in the fan-out ordering.
func (h *HealthMonitor) Quality(id domain.ParticipantID) core.Quality {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rec, ok := h.records[id]; ok {
		return rec.quality
	}
	return core.QualityGood
}

// Sweep runs one staleness/garbage-collection pass. Downgrades are paired
// with an ICE restart request; purging is bookkeeping only and never
// resurrects a link.
func (h *HealthMonitor) Sweep() {
	now := h.now()
	var restart []domain.ParticipantID

	h.mu.Lock()
	for id, rec := range h.records {
		idle := now.Sub(rec.lastActivity)
		switch {
		case rec.quality == core.QualityFailed:
			if idle > h.failedRetention {
				delete(h.records, id)
				log.Info().Str("module", "app.health").Str("id", string(id)).Msg("purged failed record")
			}
		case idle > h.staleThreshold:
			rec.quality = core.QualityPoor
			restart = append(restart, id)
		}
	}
	fn := h.onStale
	h.mu.Unlock()

	for _, id := range restart {
		log.Warn().Str("module", "app.health").Str("id", string(id)).Msg("stale connection, requesting ICE restart")
		if fn != nil {
			fn(id)
		}
	}
}

// Run sweeps on a fixed interval until ctx ends.
func (h *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}
