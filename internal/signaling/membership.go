package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

const membershipRefresh = 5 * time.Second

// RedisMembership keeps the room member set in one hash and notifies
// subscribers over pub/sub. Subscribers always re-read the full hash, so
// every notification carries full-replace semantics.
type RedisMembership struct {
	client *redis.Client
}

func NewRedisMembership(client *redis.Client) *RedisMembership {
	return &RedisMembership{client: client}
}

func membersKey(room domain.RoomID) string {
	return fmt.Sprintf("meshroom:%s:members", room)
}

func membersChannel(room domain.RoomID) string {
	return fmt.Sprintf("meshroom:%s:members:changed", room)
}

func (m *RedisMembership) Announce(ctx context.Context, room domain.RoomID, p domain.Participant) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, membersKey(room), string(p.ID), b)
	pipe.Publish(ctx, membersChannel(room), "changed")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("announce %s: %w", p.ID, err)
	}
	return nil
}

func (m *RedisMembership) Withdraw(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	pipe := m.client.TxPipeline()
	pipe.HDel(ctx, membersKey(room), string(id))
	pipe.Publish(ctx, membersChannel(room), "changed")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("withdraw %s: %w", id, err)
	}
	return nil
}

func (m *RedisMembership) snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	vals, err := m.client.HGetAll(ctx, membersKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(vals))
	for id, raw := range vals {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Error().Err(err).Str("module", "signaling.membership").Str("id", id).Msg("bad participant json")
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// Subscribe delivers the current full member set immediately, then on every
// change notification, and re-polls periodically in case a notification was
// lost.
func (m *RedisMembership) Subscribe(ctx context.Context, room domain.RoomID, h core.SnapshotHandler) (core.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := m.client.Subscribe(ctx, membersChannel(room))

	if snap, err := m.snapshot(ctx, room); err == nil {
		h(snap)
	} else {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("initial membership snapshot: %w", err)
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		ticker := time.NewTicker(membershipRefresh)
		defer ticker.Stop()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			case <-ticker.C:
			}
			snap, err := m.snapshot(ctx, room)
			if err != nil {
				log.Error().Err(err).Str("module", "signaling.membership").Msg("snapshot read")
				continue
			}
			h(snap)
		}
	}()

	return &redisSubscription{cancel: cancel}, nil
}
