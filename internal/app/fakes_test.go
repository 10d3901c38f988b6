package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
)

type fakeConn struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	remoteDesc bool
	offers     int
	answers    int
	candidates []webrtc.ICECandidateInit
	replaced   []webrtc.TrackLocal

	onICE   func(webrtc.ICECandidateInit)
	onState func(core.ConnState)
	onTrack func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (c *fakeConn) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) CreateAndSetOffer(bool) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDesc = true
	c.answers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) ApplyAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDesc = true
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) OnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (c *fakeConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced = append(c.replaced, track)
	return nil
}

func (c *fakeConn) fireState(s core.ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *fakeConn) candidateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

func (c *fakeConn) offerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) new() (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeFactory) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if c.IsClosed() {
			n++
		}
	}
	return n
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []domain.SignalMessage
}

func (c *fakeChannel) Send(_ context.Context, msg domain.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

type nopSubscription struct{}

func (nopSubscription) Close() {}

func (c *fakeChannel) Subscribe(context.Context, domain.ParticipantID, core.SignalHandler) (core.Subscription, error) {
	return nopSubscription{}, nil
}

// take drains and returns everything sent so far.
func (c *fakeChannel) take() []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) countKind(kind domain.SignalKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type stubObserver struct {
	mu        sync.Mutex
	desired   bool
	states    []core.LinkState
	exhausted int
	snaps     []domain.Participant
}

func (o *stubObserver) StillDesired(domain.ParticipantID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.desired
}

func (o *stubObserver) setDesired(d bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.desired = d
}

func (o *stubObserver) OnLinkState(_ domain.ParticipantID, s core.LinkState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *stubObserver) OnLinkExhausted(domain.ParticipantID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *stubObserver) OnRemoteSnapshot(p domain.Participant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snaps = append(o.snaps, p)
}

func (o *stubObserver) OnRemoteTrack(context.Context, domain.ParticipantID, *webrtc.TrackRemote) {}

func (o *stubObserver) stateCount(s core.LinkState) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, st := range o.states {
		if st == s {
			n++
		}
	}
	return n
}

func (o *stubObserver) exhaustedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exhausted
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func participant(id string, host bool, joined time.Time) domain.Participant {
	return domain.Participant{
		ID:          domain.ParticipantID(id),
		DisplayName: id,
		IsHost:      host,
		JoinedAt:    joined,
	}
}
