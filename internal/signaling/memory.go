package signaling

import (
	"context"
	"sync"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

// Broker is an in-process relay: one inbox per participant, consume-once.
// It backs tests and the loopback demo mode.
type Broker struct {
	mu      sync.Mutex
	inboxes map[domain.ParticipantID]chan domain.SignalMessage

	members     map[domain.ParticipantID]domain.Participant
	watchers    map[int]core.SnapshotHandler
	nextWatcher int
}

func NewBroker() *Broker {
	return &Broker{
		inboxes:  make(map[domain.ParticipantID]chan domain.SignalMessage),
		members:  make(map[domain.ParticipantID]domain.Participant),
		watchers: make(map[int]core.SnapshotHandler),
	}
}

func (b *Broker) inbox(id domain.ParticipantID) chan domain.SignalMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inboxes[id]
	if !ok {
		ch = make(chan domain.SignalMessage, 64)
		b.inboxes[id] = ch
	}
	return ch
}

// Channel returns the per-participant view of the broker.
func (b *Broker) Channel() *MemoryChannel {
	return &MemoryChannel{broker: b}
}

type MemoryChannel struct {
	broker *Broker
}

func (c *MemoryChannel) Send(_ context.Context, msg domain.SignalMessage) error {
	select {
	case c.broker.inbox(msg.Recipient) <- msg:
		return nil
	default:
		return core.ErrBackpressure
	}
}

type memorySubscription struct {
	cancel context.CancelFunc
}

func (s *memorySubscription) Close() { s.cancel() }

func (c *MemoryChannel) Subscribe(ctx context.Context, selfID domain.ParticipantID, h core.SignalHandler) (core.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := c.broker.inbox(selfID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				h(msg)
			}
		}
	}()
	return &memorySubscription{cancel: cancel}, nil
}

// Membership implements core.MembershipSource in process, full-replace
// snapshots on every change like the Redis source.
func (b *Broker) Announce(_ context.Context, _ domain.RoomID, p domain.Participant) error {
	b.mu.Lock()
	b.members[p.ID] = p
	snap, watchers := b.notifyLocked()
	b.mu.Unlock()
	for _, w := range watchers {
		w(snap)
	}
	return nil
}

func (b *Broker) Withdraw(_ context.Context, _ domain.RoomID, id domain.ParticipantID) error {
	b.mu.Lock()
	delete(b.members, id)
	snap, watchers := b.notifyLocked()
	b.mu.Unlock()
	for _, w := range watchers {
		w(snap)
	}
	return nil
}

// Subscribe delivers the current snapshot immediately, then one per change
// until the subscription is closed.
func (b *Broker) Subscribe(_ context.Context, _ domain.RoomID, h core.SnapshotHandler) (core.Subscription, error) {
	b.mu.Lock()
	id := b.nextWatcher
	b.nextWatcher++
	b.watchers[id] = h
	snap := b.snapshotLocked()
	b.mu.Unlock()
	h(snap)
	return &memorySubscription{cancel: func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}}, nil
}

func (b *Broker) notifyLocked() ([]domain.Participant, []core.SnapshotHandler) {
	watchers := make([]core.SnapshotHandler, 0, len(b.watchers))
	for _, w := range b.watchers {
		watchers = append(watchers, w)
	}
	return b.snapshotLocked(), watchers
}

func (b *Broker) snapshotLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(b.members))
	for _, p := range b.members {
		out = append(out, p)
	}
	return out
}
