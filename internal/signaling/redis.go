// Package signaling provides SignalingChannel and MembershipSource
// implementations over Redis, a websocket relay, and in-process channels.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

const (
	inboxTTL      = 5 * time.Minute
	popTimeout    = time.Second
	sendAttempts  = 3
	sendRetryBase = 200 * time.Millisecond
)

// RedisChannel delivers point-to-point signals through one Redis list per
// recipient. RPUSH appends, BLPOP consumes: a popped message is gone from
// the relay, which gives the delete-after-processing contract for free.
type RedisChannel struct {
	client *redis.Client
	room   domain.RoomID
}

func NewRedisChannel(client *redis.Client, room domain.RoomID) *RedisChannel {
	return &RedisChannel{client: client, room: room}
}

func (c *RedisChannel) inboxKey(id domain.ParticipantID) string {
	return fmt.Sprintf("meshroom:%s:inbox:%s", c.room, id)
}

// Send appends the message to the recipient's inbox, retrying with backoff
// on delivery errors. Delivery failure is never fatal to the room session.
func (c *RedisChannel) Send(ctx context.Context, msg domain.SignalMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	key := c.inboxKey(msg.Recipient)

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sendRetryBase << (attempt - 1)):
			}
		}
		pipe := c.client.TxPipeline()
		pipe.RPush(ctx, key, b)
		pipe.Expire(ctx, key, inboxTTL)
		if _, lastErr = pipe.Exec(ctx); lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Str("module", "signaling.redis").
			Str("recipient", string(msg.Recipient)).Int("attempt", attempt+1).
			Msg("send retry")
	}
	return fmt.Errorf("send %s to %s: %w", msg.Kind, msg.Recipient, lastErr)
}

type redisSubscription struct {
	cancel context.CancelFunc
}

func (s *redisSubscription) Close() { s.cancel() }

// Subscribe starts a BLPOP loop over the subscriber's inbox. Each pop
// removes the message, so a handler panic or error cannot cause a
// reprocessing loop.
func (c *RedisChannel) Subscribe(ctx context.Context, selfID domain.ParticipantID, h core.SignalHandler) (core.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	key := c.inboxKey(selfID)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			res, err := c.client.BLPop(ctx, popTimeout, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				log.Error().Err(err).Str("module", "signaling.redis").Msg("inbox pop")
				select {
				case <-ctx.Done():
					return
				case <-time.After(popTimeout):
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg domain.SignalMessage
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				log.Error().Err(err).Str("module", "signaling.redis").Msg("bad signal json")
				continue
			}
			if msg.Recipient != selfID {
				// Inbox keys are per-recipient; anything else is a bug upstream.
				log.Warn().Str("module", "signaling.redis").Str("recipient", string(msg.Recipient)).Msg("misrouted signal dropped")
				continue
			}
			h(msg)
		}
	}()

	return &redisSubscription{cancel: cancel}, nil
}
