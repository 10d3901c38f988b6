package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outboxSize     = 32
	redialBase     = 250 * time.Millisecond
	redialCap      = 5 * time.Second
)

var errRelayClosed = errors.New("relay channel closed")

// RelayChannel speaks to an external websocket relay that fans signals to
// their recipient. The relay deletes each message once delivered; this
// client only ever sees messages addressed to its own id. A dropped
// connection is redialed with backoff until the subscription is closed; the
// outbox survives the redial.
type RelayChannel struct {
	url    string
	secret string
	room   domain.RoomID
	selfID domain.ParticipantID

	outgoing chan []byte

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
}

func NewRelayChannel(url, secret string, room domain.RoomID, selfID domain.ParticipantID) *RelayChannel {
	return &RelayChannel{
		url:      url,
		secret:   secret,
		room:     room,
		selfID:   selfID,
		outgoing: make(chan []byte, outboxSize),
	}
}

// bearerToken identifies this participant to the relay. Identity itself is
// an external concern; only the interface-level token attach lives here.
func (c *RelayChannel) bearerToken() (string, error) {
	claims := jwt.MapClaims{
		"sub":  string(c.selfID),
		"room": string(c.room),
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.secret))
}

func (c *RelayChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	tok, err := c.bearerToken()
	if err != nil {
		return nil, fmt.Errorf("sign relay token: %w", err)
	}
	header := http.Header{"Authorization": {"Bearer " + tok}}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errRelayClosed
	}
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// Send enqueues without blocking; a full outbox surfaces ErrBackpressure
// so negotiation never stalls on a slow relay.
func (c *RelayChannel) Send(_ context.Context, msg domain.SignalMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errRelayClosed
	}
	select {
	case c.outgoing <- b:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *RelayChannel) Subscribe(ctx context.Context, selfID domain.ParticipantID, h core.SignalHandler) (core.Subscription, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)

	go c.run(ctx, conn, selfID, h)

	return &redisSubscription{cancel: func() {
		cancel()
		c.close()
	}}, nil
}

// run owns one connection at a time: pumps until the read side fails, then
// redials. Only the subscription's Close ends the loop.
func (c *RelayChannel) run(ctx context.Context, conn *websocket.Conn, selfID domain.ParticipantID, h core.SignalHandler) {
	for {
		writeCtx, stopWrite := context.WithCancel(ctx)
		go c.writePump(writeCtx, conn)
		c.readLoop(ctx, conn, selfID, h)
		stopWrite()
		_ = conn.Close()

		var err error
		conn, err = c.redial(ctx)
		if err != nil {
			return
		}
	}
}

func (c *RelayChannel) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := redialBase
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		conn, err := c.dial(ctx)
		if err == nil {
			log.Info().Str("module", "signaling.relay").Msg("relay reconnected")
			return conn, nil
		}
		if errors.Is(err, errRelayClosed) {
			return nil, err
		}
		log.Warn().Err(err).Str("module", "signaling.relay").Dur("backoff", backoff).Msg("relay redial failed")
		backoff *= 2
		if backoff > redialCap {
			backoff = redialCap
		}
	}
}

func (c *RelayChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *RelayChannel) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signaling.relay").Msg("ping")
				return
			}
		case data := <-c.outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling.relay").Msg("writePump write error")
				return
			}
		}
	}
}

// readLoop returns on the first read error; the caller decides whether to
// redial.
func (c *RelayChannel) readLoop(ctx context.Context, conn *websocket.Conn, selfID domain.ParticipantID, h core.SignalHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling.relay").Msg("relay read ended")
			return
		}
		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "signaling.relay").Msg("bad signal json")
			continue
		}
		if msg.Recipient != selfID {
			log.Warn().Str("module", "signaling.relay").Str("recipient", string(msg.Recipient)).Msg("misrouted signal dropped")
			continue
		}
		h(msg)
	}
}
