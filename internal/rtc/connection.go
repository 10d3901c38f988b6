package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

var ErrNoVideoSender = errors.New("no video sender on connection")

// Connection wraps one *webrtc.PeerConnection toward a single remote peer.
// A reconnection attempt never reuses an instance; the link state machine
// builds a fresh one through the factory.
type Connection struct {
	pc       *webrtc.PeerConnection
	remoteID domain.ParticipantID
	cancel   context.CancelFunc

	mu          sync.Mutex
	closed      bool
	videoSender *webrtc.RTPSender

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState func(core.ConnState)
}

func Config(iceServers []string) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
}

func NewConnection(cfg webrtc.Configuration, remoteID domain.ParticipantID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, remoteID: remoteID}, nil
}

// Factory returns a core.ConnFactory producing fresh connections toward
// remoteID with the same ICE configuration.
func Factory(cfg webrtc.Configuration, remoteID domain.ParticipantID) core.ConnFactory {
	return func() (core.MediaConnection, error) {
		return NewConnection(cfg, remoteID)
	}
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("remote", string(c.remoteID)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(c.remoteID)).Str("peer_connection_state", s.String()).Msg("peer state")
		if c.onState != nil {
			c.onState(reduceState(s))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("remote", string(c.remoteID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

func reduceState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnStateFailed
	default:
		return core.ConnStateClosed
	}
}

// CreateAndSetOffer trickles: it returns as soon as the local description
// is set, candidates follow through OnICECandidate.
func (c *Connection) CreateAndSetOffer(iceRestart bool) (*webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *Connection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *Connection) OnStateChange(fn func(core.ConnState)) { c.onState = fn }

// AddLocalTrack attaches a local static RTP track to the PeerConnection.
// The first video-kind sender is remembered for ReplaceVideoTrack.
func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		c.mu.Lock()
		c.videoSender = sender
		c.mu.Unlock()
	}
	return sender, nil
}

// ReplaceVideoTrack swaps the outgoing video track on the existing sender.
// Same-kind swap, no renegotiation.
func (c *Connection) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender := c.videoSender
	c.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(track)
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(c.remoteID)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("remote", string(c.remoteID)).Msg("closed")
	}
}
