package media

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultAudioLevelExtID is the common negotiated id for the
// urn:ietf:params:rtp-hdrext:ssrc-audio-level extension.
const DefaultAudioLevelExtID = 1

// LevelMeter drains one inbound audio track and keeps the most recent
// loudness reading. The speaker detector polls Level; it never reads RTP
// itself, so sampling can never block the negotiation path.
type LevelMeter struct {
	extID uint8
	// loudness 0..127, 0 silent. Derived from the dBov audio-level
	// extension when present, else stays 0.
	loudness atomic.Int32
}

func NewLevelMeter(extID uint8) *LevelMeter {
	if extID == 0 {
		extID = DefaultAudioLevelExtID
	}
	return &LevelMeter{extID: extID}
}

// Level returns the last observed loudness (0..127).
func (m *LevelMeter) Level() uint8 {
	return uint8(m.loudness.Load())
}

// Run reads the track until ctx ends or the track closes. Any sampling
// failure degrades to silence, never to an error for callers.
func (m *LevelMeter) Run(ctx context.Context, track *webrtc.TrackRemote) {
	defer m.loudness.Store(0)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "media.level").Str("track_id", track.ID()).Msg("level read ended")
			return
		}
		m.observe(pkt)
	}
}

func (m *LevelMeter) observe(pkt *rtp.Packet) {
	raw := pkt.GetExtension(m.extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	// ext.Level is -dBov: 0 loudest, 127 silence. Invert so bigger means louder.
	m.loudness.Store(int32(127 - ext.Level))
}
