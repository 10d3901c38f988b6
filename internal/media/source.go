package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/meshvoice/meshroom/internal/core"
)

var ErrSourceClosed = errors.New("packet source closed")

// PipeSource bridges a push-style capture pipeline to the pull-style
// fan-out: the encoder writes packets in, the fan-out reads them out.
type PipeSource struct {
	ch   chan *rtp.Packet
	once sync.Once
	done chan struct{}
}

func NewPipeSource(buffer int) *PipeSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &PipeSource{
		ch:   make(chan *rtp.Packet, buffer),
		done: make(chan struct{}),
	}
}

// WriteRTP enqueues one packet, dropping it when the consumer lags. Live
// media prefers loss over latency.
func (s *PipeSource) WriteRTP(pkt *rtp.Packet) error {
	select {
	case <-s.done:
		return ErrSourceClosed
	case s.ch <- pkt:
		return nil
	default:
		return nil
	}
}

func (s *PipeSource) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-s.done:
		return nil, ErrSourceClosed
	case pkt := <-s.ch:
		return pkt, nil
	}
}

func (s *PipeSource) Close() {
	s.once.Do(func() { close(s.done) })
}

// PipeMediaSource implements core.MediaSource with pipe-backed tracks: the
// caller owns the capture pipeline and pushes encoded RTP into the pipes.
// Constraint values are the caller's concern; only the resulting track set
// matters here.
type PipeMediaSource struct {
	AudioPipe *PipeSource
	VideoPipe *PipeSource
}

func NewPipeMediaSource() *PipeMediaSource {
	return &PipeMediaSource{
		AudioPipe: NewPipeSource(0),
		VideoPipe: NewPipeSource(0),
	}
}

func (s *PipeMediaSource) AcquireLocalMedia(_ context.Context, c core.MediaConstraints) (*core.LocalMedia, error) {
	out := &core.LocalMedia{}
	if c.Audio {
		out.Audio = &core.LocalTrack{
			Codec:  webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			Source: s.AudioPipe,
		}
	}
	if c.Video {
		out.Video = &core.LocalTrack{
			Codec:  webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			Source: s.VideoPipe,
		}
	}
	return out, nil
}
