package app

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
	"github.com/meshvoice/meshroom/internal/media"
)

// MeshConfig carries the orchestration knobs; zero values fall back to the
// room defaults.
type MeshConfig struct {
	FanOutCap          int
	NegotiationTimeout time.Duration
	ReconnectAttempts  int
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
}

func (c *MeshConfig) fillDefaults() {
	if c.FanOutCap <= 0 {
		c.FanOutCap = 8
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 15 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 5 * time.Second
	}
}

// LocalTracks groups the fan-outs feeding every link. Screen is nil until
// a share starts.
type LocalTracks struct {
	Audio  *media.Fanout
	Camera *media.Fanout
	Screen *media.Fanout
}

// linkTracks remembers the per-link outgoing video tracks so screen-share
// can swap them in place and back.
type linkTracks struct {
	camera *webrtc.TrackLocalStaticRTP
	screen *webrtc.TrackLocalStaticRTP
}

// Mesh keeps the actual PeerLink set consistent with the desired set
// computed from the registry under the fan-out cap. All link-set writes are
// serialized under one mutex and happen inside Mesh; links and the health
// monitor only signal intent, they never mutate the set themselves.
type Mesh struct {
	selfID  domain.ParticipantID
	cfg     MeshConfig
	channel core.SignalingChannel
	reg     *Registry
	health  *HealthMonitor
	factory func(remote domain.ParticipantID) core.ConnFactory
	logger  zerolog.Logger

	ctx context.Context

	mu        sync.Mutex
	self      domain.Participant
	links     map[domain.ParticipantID]*PeerLink
	tracks    map[domain.ParticipantID]*linkTracks
	exhausted map[domain.ParticipantID]bool
	// inbound marks links the remote initiated. The fan-out cap bounds
	// which links we initiate, never which offers we accept, so reconcile
	// must not tear these down as not-locally-desired.
	inbound map[domain.ParticipantID]bool
	local   LocalTracks

	closing   atomic.Bool
	reconcile chan struct{}
}

func NewMesh(
	ctx context.Context,
	self domain.Participant,
	cfg MeshConfig,
	channel core.SignalingChannel,
	reg *Registry,
	health *HealthMonitor,
	factory func(remote domain.ParticipantID) core.ConnFactory,
	local LocalTracks,
) *Mesh {
	cfg.fillDefaults()
	m := &Mesh{
		selfID:    self.ID,
		cfg:       cfg,
		channel:   channel,
		reg:       reg,
		health:    health,
		factory:   factory,
		ctx:       ctx,
		self:      self,
		links:     make(map[domain.ParticipantID]*PeerLink),
		tracks:    make(map[domain.ParticipantID]*linkTracks),
		exhausted: make(map[domain.ParticipantID]bool),
		inbound:   make(map[domain.ParticipantID]bool),
		local:     local,
		reconcile: make(chan struct{}, 1),
		logger:    log.With().Str("module", "app.mesh").Str("self", string(self.ID)).Logger(),
	}
	reg.Adopt(self)
	reg.Subscribe(RegistryEvents{
		OnAdded:   func(domain.Participant) { m.RequestReconcile() },
		OnRemoved: m.onParticipantRemoved,
		OnUpdated: func(domain.Participant) { m.RequestReconcile() },
	})
	return m
}

// Run is the single-writer reconcile loop. All link-set mutations happen
// on this goroutine.
func (m *Mesh) Run(ctx context.Context) {
	m.doReconcile()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reconcile:
			m.doReconcile()
		}
	}
}

// RequestReconcile signals intent without blocking; coalesces bursts.
func (m *Mesh) RequestReconcile() {
	select {
	case m.reconcile <- struct{}{}:
	default:
	}
}

// onParticipantRemoved runs teardown synchronously with the registry diff;
// a removed peer must not linger until some later snapshot.
func (m *Mesh) onParticipantRemoved(id domain.ParticipantID) {
	m.mu.Lock()
	link := m.links[id]
	delete(m.links, id)
	delete(m.exhausted, id)
	delete(m.inbound, id)
	m.mu.Unlock()
	if link != nil {
		link.Close()
	}
	m.RequestReconcile()
}

// desiredSet ranks remotes host-first, then by health quality, then by join
// order, and cuts at the fan-out cap.
func (m *Mesh) desiredSet() map[domain.ParticipantID]bool {
	all := m.reg.Snapshot()
	remotes := make([]domain.Participant, 0, len(all))
	m.mu.Lock()
	exhausted := make(map[domain.ParticipantID]bool, len(m.exhausted))
	for id := range m.exhausted {
		exhausted[id] = true
	}
	m.mu.Unlock()
	for _, p := range all {
		if p.ID == m.selfID || exhausted[p.ID] {
			continue
		}
		remotes = append(remotes, p)
	}

	if len(remotes) > m.cfg.FanOutCap {
		sort.SliceStable(remotes, func(i, j int) bool {
			a, b := remotes[i], remotes[j]
			if a.IsHost != b.IsHost {
				return a.IsHost
			}
			qa, qb := m.health.Quality(a.ID), m.health.Quality(b.ID)
			if qa != qb {
				return qa < qb
			}
			if !a.JoinedAt.Equal(b.JoinedAt) {
				return a.JoinedAt.Before(b.JoinedAt)
			}
			return a.ID < b.ID
		})
		remotes = remotes[:m.cfg.FanOutCap]
	}

	out := make(map[domain.ParticipantID]bool, len(remotes))
	for _, p := range remotes {
		out[p.ID] = true
	}
	return out
}

// doReconcile converges the link set onto the desired set. Idempotent:
// a second pass with no intervening change creates and closes nothing.
func (m *Mesh) doReconcile() {
	if m.closing.Load() {
		return
	}
	desired := m.desiredSet()

	var toConnect []*PeerLink
	var toClose []*PeerLink

	m.mu.Lock()
	for id := range desired {
		if _, exists := m.links[id]; exists {
			continue
		}
		link := m.newLinkLocked(id)
		m.links[id] = link
		toConnect = append(toConnect, link)
	}
	for id, link := range m.links {
		if !desired[id] && !m.inbound[id] {
			delete(m.links, id)
			toClose = append(toClose, link)
		}
	}
	m.mu.Unlock()

	for _, link := range toClose {
		m.logger.Info().Str("remote", string(link.remoteID)).Msg("closing undesired link")
		link.Close()
	}
	for _, link := range toConnect {
		m.logger.Info().Str("remote", string(link.remoteID)).Msg("connecting desired link")
		link.Connect()
	}
}

func (m *Mesh) newLinkLocked(id domain.ParticipantID) *PeerLink {
	return NewPeerLink(m.ctx, id, LinkDeps{
		SelfID:             m.selfID,
		SelfSnapshot:       m.Self,
		Channel:            m.channel,
		Factory:            m.factory(id),
		Observer:           (*meshObserver)(m),
		AttachMedia:        m.attachMedia,
		DetachMedia:        m.detachMedia,
		NegotiationTimeout: m.cfg.NegotiationTimeout,
		Retry:              NewRetryPolicy(m.cfg.ReconnectAttempts, m.cfg.ReconnectBase, m.cfg.ReconnectCap),
	})
}

// HandleSignal dispatches one relay message to its link. An offer from an
// unknown sender creates a remotely-initiated link; answers and candidates
// for unknown senders are dropped.
func (m *Mesh) HandleSignal(msg domain.SignalMessage) {
	if m.closing.Load() || msg.Recipient != m.selfID {
		return
	}

	m.mu.Lock()
	link := m.links[msg.Sender]
	m.mu.Unlock()

	switch msg.Kind {
	case domain.SignalOffer:
		if link == nil {
			link = m.acceptNewLink(msg)
			if link == nil {
				return
			}
		}
		link.HandleOffer(msg)
	case domain.SignalAnswer:
		if link == nil {
			m.logger.Info().Str("sender", string(msg.Sender)).Msg("answer for unknown link dropped")
			return
		}
		link.HandleAnswer(msg)
	case domain.SignalIceCandidate:
		if link == nil {
			m.logger.Info().Str("sender", string(msg.Sender)).Msg("candidate for unknown link dropped")
			return
		}
		link.HandleCandidate(msg)
	case domain.SignalParticipantLeft:
		m.onPeerLeft(msg.Sender)
	default:
		m.logger.Warn().Str("kind", string(msg.Kind)).Msg("unknown signal")
	}
}

// acceptNewLink admits an inbound offer from a sender we have no link to.
// Every current room member is accepted: the fan-out cap bounds which links
// this side initiates, not which offers it answers, so a peer everyone ranks
// highly (the host) carries links beyond its own cap. A fresh offer clears
// any exhaustion mark: the remote rejoined.
func (m *Mesh) acceptNewLink(msg domain.SignalMessage) *PeerLink {
	p, err := msg.DecodeOffer()
	if err != nil {
		m.logger.Error().Err(err).Msg("bad offer payload")
		return nil
	}
	m.mu.Lock()
	delete(m.exhausted, msg.Sender)
	m.mu.Unlock()
	m.reg.Adopt(p.Participant)

	m.mu.Lock()
	defer m.mu.Unlock()
	// At most one link per remote id: a racing reconcile may have created it.
	if existing, ok := m.links[msg.Sender]; ok {
		return existing
	}
	link := m.newLinkLocked(msg.Sender)
	m.links[msg.Sender] = link
	m.inbound[msg.Sender] = true
	return link
}

// onPeerLeft short-circuits the timeout cycle on a graceful departure.
func (m *Mesh) onPeerLeft(id domain.ParticipantID) {
	m.logger.Info().Str("remote", string(id)).Msg("peer left gracefully")
	m.health.SetQuality(id, core.QualityFailed)
	m.reg.Drop(id)
}

// RequestICERestart is the health monitor's entry point. It only ever
// touches an existing link; staleness never creates or closes one.
func (m *Mesh) RequestICERestart(id domain.ParticipantID) {
	m.mu.Lock()
	link := m.links[id]
	m.mu.Unlock()
	if link != nil {
		link.RequestICERestart()
	}
}

// attachMedia adds local outgoing tracks to a fresh per-link connection.
func (m *Mesh) attachMedia(conn core.MediaConnection, remote domain.ParticipantID) error {
	lt := &linkTracks{}
	if m.local.Audio != nil {
		track, err := m.local.Audio.Attach(remote)
		if err != nil {
			return err
		}
		if _, err := conn.AddLocalTrack(track); err != nil {
			return err
		}
	}
	if m.local.Camera != nil {
		track, err := m.local.Camera.Attach(remote)
		if err != nil {
			return err
		}
		if _, err := conn.AddLocalTrack(track); err != nil {
			return err
		}
		lt.camera = track
	}

	m.mu.Lock()
	sharing := m.self.IsSharingScreen && m.local.Screen != nil
	m.tracks[remote] = lt
	m.mu.Unlock()

	// A share in progress lands on new links too, via the same in-place swap.
	if sharing {
		track, err := m.local.Screen.Attach(remote)
		if err != nil {
			return err
		}
		lt.screen = track
		if err := conn.ReplaceVideoTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mesh) detachMedia(remote domain.ParticipantID) {
	if m.local.Audio != nil {
		m.local.Audio.Detach(remote)
	}
	if m.local.Camera != nil {
		m.local.Camera.Detach(remote)
	}
	if m.local.Screen != nil {
		m.local.Screen.Detach(remote)
	}
	m.mu.Lock()
	delete(m.tracks, remote)
	m.mu.Unlock()
}

// Self returns the current local participant snapshot.
func (m *Mesh) Self() domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// SetMuted gates the audio fan-out. No SDP is exchanged.
func (m *Mesh) SetMuted(muted bool) domain.Participant {
	m.mu.Lock()
	m.self.IsMuted = muted
	self := m.self
	m.mu.Unlock()
	if m.local.Audio != nil {
		m.local.Audio.SetEnabled(!muted)
	}
	m.reg.Adopt(self)
	return self
}

// SetCameraOn gates the camera fan-out. No SDP is exchanged.
func (m *Mesh) SetCameraOn(on bool) domain.Participant {
	m.mu.Lock()
	m.self.IsCameraOn = on
	self := m.self
	m.mu.Unlock()
	if m.local.Camera != nil {
		m.local.Camera.SetEnabled(on)
	}
	m.reg.Adopt(self)
	return self
}

// StartScreenShare swaps every link's outgoing video to a screen track in
// place (replaceTrack, not a new offer). The screen fan-out is fed by src.
func (m *Mesh) StartScreenShare(src core.PacketSource, caps webrtc.RTPCodecCapability) (domain.Participant, error) {
	fan := media.NewFanout(caps, "screen")
	logger := m.logger.With().Str("fanout", "screen").Logger()
	go fan.Run(m.ctx, src, &logger)

	m.mu.Lock()
	m.local.Screen = fan
	m.self.IsSharingScreen = true
	self := m.self
	links := make(map[domain.ParticipantID]*PeerLink, len(m.links))
	for id, l := range m.links {
		links[id] = l
	}
	m.mu.Unlock()

	for id, link := range links {
		track, err := fan.Attach(id)
		if err != nil {
			m.logger.Error().Err(err).Str("remote", string(id)).Msg("screen attach")
			continue
		}
		m.mu.Lock()
		if lt, ok := m.tracks[id]; ok {
			lt.screen = track
		}
		m.mu.Unlock()
		link.mu.Lock()
		conn := link.conn
		link.mu.Unlock()
		if conn != nil {
			if err := conn.ReplaceVideoTrack(track); err != nil {
				m.logger.Error().Err(err).Str("remote", string(id)).Msg("screen replaceTrack")
			}
		}
	}
	m.reg.Adopt(self)
	return self, nil
}

// StopScreenShare restores the camera track on every link, again with an
// in-place swap.
func (m *Mesh) StopScreenShare() domain.Participant {
	m.mu.Lock()
	fan := m.local.Screen
	m.local.Screen = nil
	m.self.IsSharingScreen = false
	self := m.self
	restore := make(map[*PeerLink]*webrtc.TrackLocalStaticRTP)
	for id, l := range m.links {
		if lt, ok := m.tracks[id]; ok && lt.camera != nil {
			restore[l] = lt.camera
		}
	}
	m.mu.Unlock()

	for link, cam := range restore {
		link.mu.Lock()
		conn := link.conn
		link.mu.Unlock()
		if conn != nil {
			if err := conn.ReplaceVideoTrack(cam); err != nil {
				m.logger.Error().Err(err).Str("remote", string(link.remoteID)).Msg("camera restore replaceTrack")
			}
		}
	}
	if fan != nil {
		fan.Stop()
	}
	m.reg.Adopt(self)
	return self
}

// Links returns a read-only view for the status API.
func (m *Mesh) Links() []core.LinkInfo {
	m.mu.Lock()
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]core.LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.Info(m.health.Quality(l.remoteID)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Leave notifies every linked peer, then tears everything down. The closing
// flag goes first: no task writes a signal after this point.
func (m *Mesh) Leave(ctx context.Context) {
	if !m.closing.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	links := make(map[domain.ParticipantID]*PeerLink, len(m.links))
	for id, l := range m.links {
		links[id] = l
	}
	m.links = make(map[domain.ParticipantID]*PeerLink)
	m.mu.Unlock()

	for id := range links {
		msg, err := domain.NewParticipantLeft(m.selfID, id)
		if err != nil {
			continue
		}
		if err := m.channel.Send(ctx, msg); err != nil {
			m.logger.Warn().Err(err).Str("remote", string(id)).Msg("send leave")
		}
	}
	for _, link := range links {
		link.Close()
	}
	if m.local.Audio != nil {
		m.local.Audio.Stop()
	}
	if m.local.Camera != nil {
		m.local.Camera.Stop()
	}
	if m.local.Screen != nil {
		m.local.Screen.Stop()
	}
	m.logger.Info().Msg("left room")
}

// meshObserver keeps LinkObserver off Mesh's public surface.
type meshObserver Mesh

func (o *meshObserver) mesh() *Mesh { return (*Mesh)(o) }

func (o *meshObserver) StillDesired(id domain.ParticipantID) bool {
	m := o.mesh()
	if m.closing.Load() {
		return false
	}
	if m.desiredSet()[id] {
		return true
	}
	// A remotely-initiated link stays worth reconnecting while the remote
	// is still a room member, even when it ranks outside our own cap.
	m.mu.Lock()
	inbound := m.inbound[id]
	m.mu.Unlock()
	if !inbound {
		return false
	}
	_, member := m.reg.Get(id)
	return member
}

func (o *meshObserver) OnLinkState(id domain.ParticipantID, s core.LinkState) {
	m := o.mesh()
	switch s {
	case core.LinkConnected:
		m.health.SetQuality(id, core.QualityGood)
	case core.LinkDegraded:
		m.health.SetQuality(id, core.QualityPoor)
	case core.LinkFailed:
		m.health.SetQuality(id, core.QualityFailed)
	default:
		m.health.Touch(id)
	}
	// Quality moves feed back into ranking; a degraded link may demote
	// itself in favor of a waiting peer.
	m.RequestReconcile()
}

func (o *meshObserver) OnLinkExhausted(id domain.ParticipantID) {
	m := o.mesh()
	m.logger.Warn().Str("remote", string(id)).Msg("participant dropped after exhausted reconnection budget")
	m.mu.Lock()
	delete(m.links, id)
	delete(m.inbound, id)
	m.mu.Unlock()
	m.health.SetQuality(id, core.QualityFailed)
	// Drop first: its removal handler clears exhaustion marks, so the mark
	// must be set after. It survives until a fresh inbound offer clears it.
	m.reg.Drop(id)
	m.mu.Lock()
	m.exhausted[id] = true
	m.mu.Unlock()
	m.RequestReconcile()
}

func (o *meshObserver) OnRemoteSnapshot(p domain.Participant) {
	o.mesh().reg.Adopt(p)
}

func (o *meshObserver) OnRemoteTrack(ctx context.Context, id domain.ParticipantID, track *webrtc.TrackRemote) {
	m := o.mesh()
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	meter := media.NewLevelMeter(media.DefaultAudioLevelExtID)
	m.reg.AttachMeter(id, meter)
	go meter.Run(ctx, track)
}
