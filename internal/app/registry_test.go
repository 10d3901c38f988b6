package app

import (
	"sync"
	"testing"
	"time"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

type fakeMeter struct{ level uint8 }

func (m *fakeMeter) Level() uint8 { return m.level }

type eventRec struct {
	mu      sync.Mutex
	added   []domain.Participant
	updated []domain.Participant
	removed []domain.ParticipantID
}

func (r *eventRec) events() RegistryEvents {
	return RegistryEvents{
		OnAdded: func(p domain.Participant) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.added = append(r.added, p)
		},
		OnRemoved: func(id domain.ParticipantID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removed = append(r.removed, id)
		},
		OnUpdated: func(p domain.Participant) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updated = append(r.updated, p)
		},
	}
}

func (r *eventRec) counts() (added, removed, updated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.removed), len(r.updated)
}

func TestRegistrySnapshotDiffing(t *testing.T) {
	reg := NewRegistry()
	rec := &eventRec{}
	reg.Subscribe(rec.events())

	alice := participant("alice", false, time.Unix(1100, 0))
	carol := participant("carol", false, time.Unix(1200, 0))
	reg.ApplySnapshot([]domain.Participant{alice, carol})
	if a, r, u := rec.counts(); a != 2 || r != 0 || u != 0 {
		t.Fatalf("after first snapshot: added=%d removed=%d updated=%d", a, r, u)
	}

	// carol mutes, alice leaves, dave joins.
	carol.IsMuted = true
	dave := participant("dave", false, time.Unix(1300, 0))
	reg.ApplySnapshot([]domain.Participant{carol, dave})
	if a, r, u := rec.counts(); a != 3 || r != 1 || u != 1 {
		t.Fatalf("after second snapshot: added=%d removed=%d updated=%d", a, r, u)
	}
	if _, ok := reg.Get("alice"); ok {
		t.Fatal("alice survived removal")
	}
	got, _ := reg.Get("carol")
	if !got.IsMuted {
		t.Fatal("carol's mute not applied")
	}

	// Identical snapshot is a no-op.
	reg.ApplySnapshot([]domain.Participant{carol, dave})
	if a, r, u := rec.counts(); a != 3 || r != 1 || u != 1 {
		t.Fatalf("identical snapshot emitted events: added=%d removed=%d updated=%d", a, r, u)
	}
}

func TestRegistrySnapshotPreservesSpeaking(t *testing.T) {
	reg := NewRegistry()
	alice := participant("alice", false, time.Unix(1100, 0))
	reg.ApplySnapshot([]domain.Participant{alice})
	reg.SetSpeaking("alice", true)

	// External snapshots know nothing about speaking; the local flag wins.
	reg.ApplySnapshot([]domain.Participant{alice})
	got, _ := reg.Get("alice")
	if !got.IsSpeaking {
		t.Fatal("speaking flag lost on snapshot merge")
	}
}

func TestRegistrySnapshotOrderedByJoinTime(t *testing.T) {
	reg := NewRegistry()
	reg.ApplySnapshot([]domain.Participant{
		participant("late", false, time.Unix(1300, 0)),
		participant("early", false, time.Unix(1100, 0)),
		participant("mid", false, time.Unix(1200, 0)),
	})
	snap := reg.Snapshot()
	if len(snap) != 3 || snap[0].ID != "early" || snap[1].ID != "mid" || snap[2].ID != "late" {
		t.Fatalf("snapshot order: %+v", snap)
	}
}

func TestRegistryDropRemovesEphemeralState(t *testing.T) {
	reg := NewRegistry()
	rec := &eventRec{}
	reg.Subscribe(rec.events())
	alice := participant("alice", false, time.Unix(1100, 0))

	reg.Adopt(alice)
	reg.AttachMeter("alice", &fakeMeter{level: 50})
	reg.Drop("alice")
	if _, r, _ := rec.counts(); r != 1 {
		t.Fatal("drop did not emit removal")
	}
	reg.Drop("alice")
	if _, r, _ := rec.counts(); r != 1 {
		t.Fatal("second drop emitted again")
	}

	// A rejoin with the same id starts without the stale meter.
	reg.Adopt(alice)
	meters := 0
	reg.ForEachMeter(func(domain.ParticipantID, core.AudioLevelSource) { meters++ })
	if meters != 0 {
		t.Fatalf("meters after rejoin = %d, want 0", meters)
	}
}

func TestRegistryAdoptUpserts(t *testing.T) {
	reg := NewRegistry()
	rec := &eventRec{}
	reg.Subscribe(rec.events())
	alice := participant("alice", false, time.Unix(1100, 0))

	reg.Adopt(alice)
	alice.IsCameraOn = true
	reg.Adopt(alice)
	if a, _, u := rec.counts(); a != 1 || u != 1 {
		t.Fatalf("adopt upsert: added=%d updated=%d", a, u)
	}
}

func TestRegistrySetSpeakingEmitsOnlyOnChange(t *testing.T) {
	reg := NewRegistry()
	rec := &eventRec{}
	reg.Subscribe(rec.events())
	reg.Adopt(participant("alice", false, time.Unix(1100, 0))) // 1 added

	reg.SetSpeaking("alice", true)
	reg.SetSpeaking("alice", true)
	reg.SetSpeaking("alice", false)
	reg.SetSpeaking("ghost", true)
	if _, _, u := rec.counts(); u != 2 {
		t.Fatalf("updates = %d, want 2", u)
	}
}
