package app

import (
	"context"
	"time"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

// SpeakerDetector periodically samples inbound audio levels and annotates
// the registry's speaking flags. Purely advisory: it never touches link
// lifecycle and a failed sample just reads as silence.
type SpeakerDetector struct {
	reg       *Registry
	threshold uint8
}

func NewSpeakerDetector(reg *Registry, threshold uint8) *SpeakerDetector {
	return &SpeakerDetector{reg: reg, threshold: threshold}
}

func (d *SpeakerDetector) Sample() {
	d.reg.ForEachMeter(func(id domain.ParticipantID, m core.AudioLevelSource) {
		d.reg.SetSpeaking(id, m.Level() > d.threshold)
	})
}

func (d *SpeakerDetector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sample()
		}
	}
}
