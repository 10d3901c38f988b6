package app

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

// LinkObserver is how a PeerLink reports upward. Everything here is a
// notification or a query; the link never mutates shared collections
// itself.
type LinkObserver interface {
	// StillDesired reports whether the orchestrator still wants a direct
	// link to this remote. Checked before every reconnection attempt.
	StillDesired(domain.ParticipantID) bool
	// OnLinkState is invoked on every state transition.
	OnLinkState(id domain.ParticipantID, s core.LinkState)
	// OnLinkExhausted fires once when the reconnection budget runs out.
	OnLinkExhausted(id domain.ParticipantID)
	// OnRemoteSnapshot delivers the participant snapshot carried by an
	// accepted offer, before any media arrives.
	OnRemoteSnapshot(p domain.Participant)
	// OnRemoteTrack hands an inbound track to the orchestrator.
	OnRemoteTrack(ctx context.Context, id domain.ParticipantID, track *webrtc.TrackRemote)
}

// LinkDeps wires one PeerLink into its surroundings.
type LinkDeps struct {
	SelfID       domain.ParticipantID
	SelfSnapshot func() domain.Participant
	Channel      core.SignalingChannel
	Factory      core.ConnFactory
	Observer     LinkObserver

	// AttachMedia adds the local outgoing tracks to a fresh connection;
	// DetachMedia releases them when the connection is replaced or closed.
	AttachMedia func(conn core.MediaConnection, remote domain.ParticipantID) error
	DetachMedia func(remote domain.ParticipantID)

	NegotiationTimeout time.Duration
	Retry              *RetryPolicy
}

// PeerLink drives negotiation and lifecycle toward one remote peer. It owns
// the underlying connection exclusively; each reconnection attempt replaces
// the connection wholesale.
type PeerLink struct {
	remoteID domain.ParticipantID
	deps     LinkDeps
	logger   zerolog.Logger

	ctx context.Context

	mu           sync.Mutex
	state        core.LinkState
	conn         core.MediaConnection
	pendingOffer bool
	buffered     []webrtc.ICECandidateInit
	negTimer     *time.Timer
	retryTimer   *time.Timer
	closing      bool
}

func NewPeerLink(ctx context.Context, remote domain.ParticipantID, deps LinkDeps) *PeerLink {
	return &PeerLink{
		remoteID: remote,
		deps:     deps,
		ctx:      ctx,
		state:    core.LinkIdle,
		logger: log.With().
			Str("module", "app.link").
			Str("remote", string(remote)).
			Logger(),
	}
}

func (l *PeerLink) State() core.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) Info(q core.Quality) core.LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return core.LinkInfo{
		RemoteID:          l.remoteID,
		State:             l.state.String(),
		ReconnectAttempts: l.deps.Retry.Attempts(),
		Quality:           q.String(),
	}
}

// setStateLocked transitions and notifies. Callers hold l.mu.
func (l *PeerLink) setStateLocked(s core.LinkState) {
	if l.state == s {
		return
	}
	l.logger.Info().Str("from", l.state.String()).Str("to", s.String()).Msg("link state")
	l.state = s
	l.deps.Observer.OnLinkState(l.remoteID, s)
}

// Connect initiates negotiation toward the remote. Idle -> Negotiating.
func (l *PeerLink) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.state != core.LinkIdle {
		return
	}
	if err := l.replaceConnLocked(); err != nil {
		l.logger.Error().Err(err).Msg("connect: new connection")
		l.setStateLocked(core.LinkFailed)
		l.scheduleReconnectLocked()
		return
	}
	l.setStateLocked(core.LinkNegotiating)
	// The initial attempt counts against the budget: three consecutive
	// failed negotiations close the link, reconnects included.
	_, _ = l.deps.Retry.Next()
	l.sendOfferLocked(false)
}

// replaceConnLocked closes any previous connection and builds a fresh one.
// No partial reuse across attempts.
func (l *PeerLink) replaceConnLocked() error {
	if l.conn != nil {
		old := l.conn
		l.conn = nil
		l.deps.DetachMedia(l.remoteID)
		old.Close()
	}
	l.pendingOffer = false
	l.buffered = nil

	conn, err := l.deps.Factory()
	if err != nil {
		return err
	}
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		l.sendCandidate(ci)
	})
	conn.OnStateChange(func(s core.ConnState) {
		l.onConnState(s)
	})
	conn.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.deps.Observer.OnRemoteTrack(ctx, l.remoteID, track)
	})
	if err := l.deps.AttachMedia(conn, l.remoteID); err != nil {
		conn.Close()
		return err
	}
	if err := conn.Start(l.ctx); err != nil {
		conn.Close()
		return err
	}
	l.conn = conn
	return nil
}

func (l *PeerLink) sendOfferLocked(iceRestart bool) {
	sdp, err := l.conn.CreateAndSetOffer(iceRestart)
	if err != nil {
		l.logger.Error().Err(err).Msg("create offer")
		l.setStateLocked(core.LinkFailed)
		l.scheduleReconnectLocked()
		return
	}
	msg, err := domain.NewOffer(l.deps.SelfID, l.remoteID, domain.OfferPayload{
		SDP:         sdp.SDP,
		Participant: l.deps.SelfSnapshot(),
		IceRestart:  iceRestart,
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("encode offer")
		return
	}
	if err := l.deps.Channel.Send(l.ctx, msg); err != nil {
		l.logger.Error().Err(err).Msg("send offer")
		l.setStateLocked(core.LinkFailed)
		l.scheduleReconnectLocked()
		return
	}
	l.pendingOffer = true
	l.startNegTimerLocked()
}

func (l *PeerLink) sendCandidate(ci webrtc.ICECandidateInit) {
	l.mu.Lock()
	closing := l.closing
	l.mu.Unlock()
	if closing {
		return
	}
	msg, err := domain.NewCandidate(l.deps.SelfID, l.remoteID, domain.CandidatePayload{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("encode candidate")
		return
	}
	if err := l.deps.Channel.Send(l.ctx, msg); err != nil {
		l.logger.Warn().Err(err).Msg("send candidate")
	}
}

// polite reports which side yields on glare: the lexicographically greater
// id accepts the incoming offer and discards its own pending one. Both
// sides evaluate this from locally-known ids only.
func (l *PeerLink) polite() bool {
	return l.deps.SelfID > l.remoteID
}

// HandleOffer processes an incoming offer, resolving glare deterministically.
func (l *PeerLink) HandleOffer(msg domain.SignalMessage) {
	p, err := msg.DecodeOffer()
	if err != nil {
		l.logger.Error().Err(err).Msg("bad offer payload")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.state == core.LinkClosed {
		return
	}

	if l.pendingOffer {
		if !l.polite() {
			// Impolite side: our offer stands, theirs is dropped. Not an
			// error, logged for diagnostics only.
			l.logger.Info().Msg("glare: ignoring incoming offer, awaiting our answer")
			return
		}
		l.logger.Info().Msg("glare: yielding to incoming offer")
	}

	// Adopt the sender's snapshot right away so the peer is visible before
	// any media flows.
	l.deps.Observer.OnRemoteSnapshot(p.Participant)

	useExisting := l.conn != nil && !l.pendingOffer && l.conn.HasRemoteDescription() && p.IceRestart
	if !useExisting {
		if err := l.replaceConnLocked(); err != nil {
			l.logger.Error().Err(err).Msg("accept offer: new connection")
			l.setStateLocked(core.LinkFailed)
			l.scheduleReconnectLocked()
			return
		}
	} else {
		l.pendingOffer = false
	}

	if l.state == core.LinkIdle || !useExisting {
		l.setStateLocked(core.LinkNegotiating)
		l.startNegTimerLocked()
	}

	answer, err := l.conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("apply offer")
		l.setStateLocked(core.LinkFailed)
		l.scheduleReconnectLocked()
		return
	}
	l.flushCandidatesLocked()

	out, err := domain.NewAnswer(l.deps.SelfID, msg.Sender, domain.AnswerPayload{SDP: answer.SDP})
	if err != nil {
		l.logger.Error().Err(err).Msg("encode answer")
		return
	}
	if err := l.deps.Channel.Send(l.ctx, out); err != nil {
		l.logger.Error().Err(err).Msg("send answer")
		l.setStateLocked(core.LinkFailed)
		l.scheduleReconnectLocked()
	}
}

// HandleAnswer applies the remote answer to our outstanding offer. Answers
// without an outstanding offer are stale glare leftovers and are dropped.
func (l *PeerLink) HandleAnswer(msg domain.SignalMessage) {
	p, err := msg.DecodeAnswer()
	if err != nil {
		l.logger.Error().Err(err).Msg("bad answer payload")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.conn == nil || !l.pendingOffer {
		l.logger.Info().Msg("dropping answer with no outstanding offer")
		return
	}
	if err := l.conn.ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	}); err != nil {
		l.logger.Error().Err(err).Msg("apply answer")
		l.setStateLocked(core.LinkFailed)
		l.scheduleReconnectLocked()
		return
	}
	l.pendingOffer = false
	l.flushCandidatesLocked()
}

// HandleCandidate applies a remote ICE candidate, buffering it when it
// arrives ahead of the remote description instead of dropping it.
func (l *PeerLink) HandleCandidate(msg domain.SignalMessage) {
	p, err := msg.DecodeCandidate()
	if err != nil {
		l.logger.Error().Err(err).Msg("bad candidate payload")
		return
	}
	ci := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.state == core.LinkClosed {
		return
	}
	if l.conn == nil || !l.conn.HasRemoteDescription() {
		l.buffered = append(l.buffered, ci)
		return
	}
	if err := l.conn.AddICECandidate(ci); err != nil {
		l.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

func (l *PeerLink) flushCandidatesLocked() {
	for _, ci := range l.buffered {
		if err := l.conn.AddICECandidate(ci); err != nil {
			l.logger.Warn().Err(err).Msg("replay buffered candidate")
		}
	}
	l.buffered = nil
}

// RequestICERestart is the health monitor's cheap recovery path: fresh
// candidates on the same connection, no teardown.
func (l *PeerLink) RequestICERestart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.conn == nil {
		return
	}
	if l.state != core.LinkConnected && l.state != core.LinkDegraded {
		return
	}
	l.logger.Info().Msg("ICE restart requested")
	l.sendOfferLocked(true)
}

func (l *PeerLink) onConnState(s core.ConnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.state == core.LinkClosed {
		return
	}
	switch s {
	case core.ConnStateConnected:
		l.stopNegTimerLocked()
		l.deps.Retry.Reset()
		l.setStateLocked(core.LinkConnected)
	case core.ConnStateDisconnected:
		if l.state == core.LinkConnected {
			l.setStateLocked(core.LinkDegraded)
		}
	case core.ConnStateFailed:
		l.stopNegTimerLocked()
		l.setStateLocked(core.LinkFailed)
		l.scheduleReconnectLocked()
	case core.ConnStateClosed:
		// We tear connections down ourselves; nothing to do here.
	}
}

func (l *PeerLink) startNegTimerLocked() {
	l.stopNegTimerLocked()
	if l.deps.NegotiationTimeout <= 0 {
		return
	}
	l.negTimer = time.AfterFunc(l.deps.NegotiationTimeout, l.onNegotiationTimeout)
}

func (l *PeerLink) stopNegTimerLocked() {
	if l.negTimer != nil {
		l.negTimer.Stop()
		l.negTimer = nil
	}
}

func (l *PeerLink) onNegotiationTimeout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.state != core.LinkNegotiating {
		return
	}
	l.logger.Warn().Msg("negotiation timeout")
	l.setStateLocked(core.LinkFailed)
	l.scheduleReconnectLocked()
}

// scheduleReconnectLocked runs the bounded retry policy: Failed ->
// Negotiating while budget and desire last, Closed otherwise.
func (l *PeerLink) scheduleReconnectLocked() {
	if l.closing {
		return
	}
	if !l.deps.Observer.StillDesired(l.remoteID) {
		l.logger.Info().Msg("remote no longer desired, closing")
		l.closeLocked()
		return
	}
	delay, ok := l.deps.Retry.Next()
	if !ok {
		l.logger.Warn().Msg("reconnection budget exhausted")
		l.closeLocked()
		l.deps.Observer.OnLinkExhausted(l.remoteID)
		return
	}
	l.logger.Info().Dur("delay", delay).Int("attempt", l.deps.Retry.Attempts()).Msg("scheduling reconnect")
	l.retryTimer = time.AfterFunc(delay, l.reconnect)
}

func (l *PeerLink) reconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.state == core.LinkClosed {
		return
	}
	if !l.deps.Observer.StillDesired(l.remoteID) {
		l.closeLocked()
		return
	}
	if err := l.replaceConnLocked(); err != nil {
		l.logger.Error().Err(err).Msg("reconnect: new connection")
		l.scheduleReconnectLocked()
		return
	}
	l.setStateLocked(core.LinkNegotiating)
	l.sendOfferLocked(false)
}

// Close tears the link down from any state. Idempotent.
func (l *PeerLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *PeerLink) closeLocked() {
	if l.state == core.LinkClosed {
		return
	}
	l.closing = true
	l.stopNegTimerLocked()
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	if l.conn != nil {
		l.deps.DetachMedia(l.remoteID)
		l.conn.Close()
		l.conn = nil
	}
	l.buffered = nil
	l.pendingOffer = false
	l.setStateLocked(core.LinkClosed)
}
