package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
	"github.com/meshvoice/meshroom/internal/media"
	"github.com/meshvoice/meshroom/internal/signaling"
)

// orderedMembers records the call order against the wrapped source.
type orderedMembers struct {
	inner core.MembershipSource

	mu    sync.Mutex
	calls []string
}

func (o *orderedMembers) record(call string) {
	o.mu.Lock()
	o.calls = append(o.calls, call)
	o.mu.Unlock()
}

func (o *orderedMembers) Announce(ctx context.Context, room domain.RoomID, p domain.Participant) error {
	o.record("announce")
	return o.inner.Announce(ctx, room, p)
}

func (o *orderedMembers) Withdraw(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	o.record("withdraw")
	return o.inner.Withdraw(ctx, room, id)
}

func (o *orderedMembers) Subscribe(ctx context.Context, room domain.RoomID, h core.SnapshotHandler) (core.Subscription, error) {
	o.record("subscribe")
	return o.inner.Subscribe(ctx, room, h)
}

func (o *orderedMembers) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

// A session must be announced before it starts watching membership, so the
// very first snapshot it applies already contains itself. The reverse order
// would diff self out of the registry and back in on the next snapshot.
func TestJoinAnnouncesBeforeWatchingMembership(t *testing.T) {
	broker := signaling.NewBroker()
	members := &orderedMembers{inner: broker}
	factory := func(domain.ParticipantID) core.ConnFactory {
		return func() (core.MediaConnection, error) {
			return nil, errors.New("no connections expected")
		}
	}
	opts := Options{
		Room: "room",
		Self: domain.Participant{ID: "alice", DisplayName: "alice", JoinedAt: time.Unix(1100, 0)},
	}

	s, err := Join(context.Background(), opts, broker.Channel(), members, media.NewPipeMediaSource(), factory)
	if err != nil {
		t.Fatal(err)
	}

	calls := members.snapshot()
	if len(calls) < 2 || calls[0] != "announce" || calls[1] != "subscribe" {
		t.Fatalf("membership calls = %v, want announce before subscribe", calls)
	}

	ps := s.Participants()
	if len(ps) != 1 || ps[0].ID != "alice" {
		t.Fatalf("participants after join = %+v, want just self", ps)
	}

	s.Leave(context.Background())
	calls = members.snapshot()
	if calls[len(calls)-1] != "withdraw" {
		t.Fatalf("membership calls after leave = %v, want trailing withdraw", calls)
	}
}
