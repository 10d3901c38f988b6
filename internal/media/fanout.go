package media

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

// Fanout copies one local track to a per-link OutTrack for every active
// peer. Per-link tracks let mute and eviction act on a single peer without
// touching the others.
type Fanout struct {
	caps     webrtc.RTPCodecCapability
	kind     string
	streamID string

	mu        sync.RWMutex
	enabled   bool
	outTracks map[domain.ParticipantID]*OutTrack

	cancel context.CancelFunc
}

func NewFanout(caps webrtc.RTPCodecCapability, kind string) *Fanout {
	return &Fanout{
		caps:      caps,
		kind:      kind,
		streamID:  uuid.NewString(),
		enabled:   true,
		outTracks: make(map[domain.ParticipantID]*OutTrack),
	}
}

// Attach creates the per-link outgoing track. The caller adds it to the
// link's connection; Detach must be called when the link closes.
func (f *Fanout) Attach(dst domain.ParticipantID) (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(f.caps, f.kind, f.streamID)
	if err != nil {
		return nil, fmt.Errorf("new out track for %s: %w", dst, err)
	}
	ot := NewOutTrack(track)
	f.mu.Lock()
	if !f.enabled {
		ot.MarkMuted()
	}
	f.outTracks[dst] = ot
	f.mu.Unlock()
	return track, nil
}

func (f *Fanout) Detach(dst domain.ParticipantID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ot, ok := f.outTracks[dst]; ok {
		ot.MarkDelete()
		delete(f.outTracks, dst)
	}
}

// SetEnabled flips mute/camera state for every link at once. No SDP is
// exchanged; disabled tracks simply stop receiving packets.
func (f *Fanout) SetEnabled(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = on
	for _, ot := range f.outTracks {
		if ot.GetState() == TrackStateDelete {
			continue
		}
		if on {
			ot.MarkOk()
		} else {
			ot.MarkMuted()
		}
	}
}

func (f *Fanout) Enabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Run pumps the source until ctx is canceled or the source ends.
func (f *Fanout) Run(ctx context.Context, src core.PacketSource, logger *zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("fanout ctx done")
			f.markAllDelete()
			return
		default:
		}
		pkt, err := src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("fanout read RTP error, stopping")
			f.markAllDelete()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *Fanout) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *Fanout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[domain.ParticipantID]*OutTrack, len(f.outTracks))
	f.mu.RLock()
	maps.Copy(snapshot, f.outTracks)
	f.mu.RUnlock()

	dirty := make([]domain.ParticipantID, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst", string(dst)).
					Msg("fanout write RTP error, marking out track for delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		f.mu.Lock()
		for _, dst := range dirty {
			delete(f.outTracks, dst)
		}
		f.mu.Unlock()
	}
}

func (f *Fanout) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ot := range f.outTracks {
		ot.MarkDelete()
	}
}
