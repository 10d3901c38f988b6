package core

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ConnState is the reduced view of the underlying connection's lifecycle
// that the orchestration layer reacts to.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	}
	return "unknown"
}

// MediaConnection wraps one underlying peer connection. One instance per
// negotiation attempt; reconnection replaces the instance entirely.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops all underlying media resources.
	Close()
	IsClosed() bool

	// CreateAndSetOffer produces a local offer; iceRestart requests fresh
	// candidates on the same instance (cheap recovery, no teardown).
	CreateAndSetOffer(iceRestart bool) (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer sets the remote offer and produces the answer.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer sets the remote answer for a previously created offer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. Callers must only
	// invoke it after a remote description is set.
	AddICECandidate(webrtc.ICECandidateInit) error
	// HasRemoteDescription reports whether a remote description is set.
	HasRemoteDescription() bool

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnStateChange sets a callback for reduced connection state transitions.
	OnStateChange(func(ConnState))

	// AddLocalTrack attaches a local static RTP track to the underlying connection.
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	// ReplaceVideoTrack swaps the outgoing video track in place (same kind,
	// no renegotiation). Returns an error if no video sender exists yet.
	ReplaceVideoTrack(track webrtc.TrackLocal) error
}

// ConnFactory builds a fresh MediaConnection for one negotiation attempt.
type ConnFactory func() (MediaConnection, error)

// MediaConstraints scale down as expected room size grows; chosen by the
// caller, opaque to the orchestration layer.
type MediaConstraints struct {
	Audio     bool
	Video     bool
	MaxWidth  int
	MaxHeight int
	MaxFPS    int
}

// PacketSource yields RTP packets from a capture pipeline.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// AudioLevelSource exposes the latest loudness reading (0..127, 0 silent)
// of one inbound audio stream.
type AudioLevelSource interface {
	Level() uint8
}

// LocalTrack is one acquired capture lane: its codec and the packet stream
// feeding it.
type LocalTrack struct {
	Codec  webrtc.RTPCodecCapability
	Source PacketSource
}

// LocalMedia is the acquired local track set fanned out to every link.
type LocalMedia struct {
	Audio *LocalTrack
	Video *LocalTrack
}

// MediaSource acquires local capture. Failure is fatal to joining but not
// to the orchestration layer's internal consistency.
type MediaSource interface {
	AcquireLocalMedia(ctx context.Context, c MediaConstraints) (*LocalMedia, error)
}
