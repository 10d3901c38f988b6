package core

import (
	"context"
	"errors"

	"github.com/meshvoice/meshroom/internal/domain"
)

// ErrBackpressure is returned by channels whose outgoing buffer is full.
// The caller decides whether to retry or drop; it must never block on it.
var ErrBackpressure = errors.New("signaling backpressure")

// SignalHandler consumes one inbound message. The channel acknowledges the
// message regardless of handler outcome, so a handler must not rely on
// redelivery.
type SignalHandler func(domain.SignalMessage)

// Subscription is a live filtered feed from a SignalingChannel or a
// MembershipSource. Close is idempotent.
type Subscription interface {
	Close()
}

// SignalingChannel abstracts the out-of-band message relay. It delivers
// only messages addressed to the subscribed id, with no ordering guarantee,
// and removes each message from the relay once handed to the handler.
// Owned by the adapter; the adapter must Close() the subscription.
type SignalingChannel interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
	Subscribe(ctx context.Context, selfID domain.ParticipantID, h SignalHandler) (Subscription, error)
}

// SnapshotHandler receives the complete current member set on every change
// (full replace semantics, not deltas).
type SnapshotHandler func([]domain.Participant)

// MembershipSource is the external room registry collaborator.
type MembershipSource interface {
	Announce(ctx context.Context, room domain.RoomID, p domain.Participant) error
	Withdraw(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error
	Subscribe(ctx context.Context, room domain.RoomID, h SnapshotHandler) (Subscription, error)
}
