package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

var testCaps = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

func (f *Fanout) trackState(dst domain.ParticipantID) (TrackState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ot, ok := f.outTracks[dst]
	if !ok {
		return 0, false
	}
	return ot.GetState(), true
}

func TestFanoutAttachDetach(t *testing.T) {
	f := NewFanout(testCaps, "audio")
	track, err := f.Attach("alice")
	if err != nil {
		t.Fatal(err)
	}
	if track == nil {
		t.Fatal("nil track")
	}
	if state, ok := f.trackState("alice"); !ok || state != TrackStateOk {
		t.Fatalf("state = %v ok=%v, want ok/TrackStateOk", state, ok)
	}

	f.Detach("alice")
	if _, ok := f.trackState("alice"); ok {
		t.Fatal("track survived detach")
	}
	f.Detach("alice")
}

func TestFanoutSetEnabledGatesAllTracks(t *testing.T) {
	f := NewFanout(testCaps, "audio")
	if _, err := f.Attach("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Attach("carol"); err != nil {
		t.Fatal(err)
	}

	f.SetEnabled(false)
	for _, id := range []domain.ParticipantID{"alice", "carol"} {
		if state, _ := f.trackState(id); state != TrackStateMuted {
			t.Fatalf("%s state = %v, want muted", id, state)
		}
	}

	// Tracks attached while muted start muted too.
	if _, err := f.Attach("dave"); err != nil {
		t.Fatal(err)
	}
	if state, _ := f.trackState("dave"); state != TrackStateMuted {
		t.Fatal("late attach ignored the mute")
	}

	f.SetEnabled(true)
	for _, id := range []domain.ParticipantID{"alice", "carol", "dave"} {
		if state, _ := f.trackState(id); state != TrackStateOk {
			t.Fatalf("%s state = %v, want ok after unmute", id, state)
		}
	}
}

func TestFanoutRunEndsWithSource(t *testing.T) {
	f := NewFanout(testCaps, "audio")
	if _, err := f.Attach("alice"); err != nil {
		t.Fatal(err)
	}
	src := NewPipeSource(4)
	logger := zerolog.Nop()

	done := make(chan struct{})
	go func() {
		f.Run(context.Background(), src, &logger)
		close(done)
	}()

	if err := src.WriteRTP(&rtp.Packet{}); err != nil {
		t.Fatal(err)
	}
	src.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after source close")
	}
}

func TestFanoutStopCancelsRun(t *testing.T) {
	f := NewFanout(testCaps, "audio")
	src := NewPipeSource(4)
	logger := zerolog.Nop()

	done := make(chan struct{})
	go func() {
		f.Run(context.Background(), src, &logger)
		close(done)
	}()

	// Stop cancels the run context; the pending read is unblocked by a
	// final packet.
	time.Sleep(5 * time.Millisecond)
	f.Stop()
	_ = src.WriteRTP(&rtp.Packet{})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Stop")
	}
}

func TestPipeSourcePrefersLossOverBlocking(t *testing.T) {
	src := NewPipeSource(1)
	if err := src.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}); err != nil {
		t.Fatal(err)
	}
	// Second write overflows the buffer and is silently dropped.
	if err := src.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}}); err != nil {
		t.Fatal(err)
	}

	pkt, err := src.ReadRTP()
	if err != nil {
		t.Fatal(err)
	}
	if pkt.SequenceNumber != 1 {
		t.Fatalf("seq = %d, want 1", pkt.SequenceNumber)
	}

	src.Close()
	if _, err := src.ReadRTP(); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if err := src.WriteRTP(&rtp.Packet{}); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestPipeMediaSourceHonoursConstraints(t *testing.T) {
	s := NewPipeMediaSource()
	got, err := s.AcquireLocalMedia(context.Background(), core.MediaConstraints{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Audio == nil || got.Video != nil {
		t.Fatalf("audio-only acquire = %+v", got)
	}
	if got.Audio.Codec.MimeType != webrtc.MimeTypeOpus {
		t.Fatalf("audio codec = %s", got.Audio.Codec.MimeType)
	}
}
