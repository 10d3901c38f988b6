package media

import (
	"testing"

	"github.com/pion/rtp"
)

func levelPacket(t *testing.T, extID uint8, dBov uint8) *rtp.Packet {
	t.Helper()
	ext, err := rtp.AudioLevelExtension{Level: dBov}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	pkt := &rtp.Packet{}
	if err := pkt.SetExtension(extID, ext); err != nil {
		t.Fatal(err)
	}
	return pkt
}

func TestLevelMeterInvertsDBov(t *testing.T) {
	m := NewLevelMeter(DefaultAudioLevelExtID)
	if m.Level() != 0 {
		t.Fatal("fresh meter not silent")
	}

	// 0 dBov is the loudest possible signal, 127 is silence.
	m.observe(levelPacket(t, DefaultAudioLevelExtID, 27))
	if got := m.Level(); got != 100 {
		t.Fatalf("level = %d, want 100", got)
	}
	m.observe(levelPacket(t, DefaultAudioLevelExtID, 127))
	if got := m.Level(); got != 0 {
		t.Fatalf("level = %d, want 0 for silence", got)
	}
}

func TestLevelMeterIgnoresPacketsWithoutExtension(t *testing.T) {
	m := NewLevelMeter(DefaultAudioLevelExtID)
	m.observe(levelPacket(t, DefaultAudioLevelExtID, 7))
	before := m.Level()

	m.observe(&rtp.Packet{})
	if m.Level() != before {
		t.Fatal("packet without extension changed the reading")
	}
}

func TestLevelMeterHonoursNegotiatedExtID(t *testing.T) {
	m := NewLevelMeter(3)
	m.observe(levelPacket(t, DefaultAudioLevelExtID, 7))
	if m.Level() != 0 {
		t.Fatal("meter read a foreign extension id")
	}
	m.observe(levelPacket(t, 3, 7))
	if m.Level() != 120 {
		t.Fatalf("level = %d, want 120", m.Level())
	}
}

func TestLevelMeterZeroExtIDFallsBack(t *testing.T) {
	m := NewLevelMeter(0)
	m.observe(levelPacket(t, DefaultAudioLevelExtID, 27))
	if m.Level() != 100 {
		t.Fatal("zero ext id did not fall back to the default")
	}
}
