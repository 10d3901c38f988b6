// Package session owns the join/leave lifecycle of one room membership:
// media acquisition, signaling subscription, orchestration tasks, and the
// ordered teardown on leave.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/app"
	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
	"github.com/meshvoice/meshroom/internal/media"
)

type Options struct {
	Room        domain.RoomID
	Self        domain.Participant
	Constraints core.MediaConstraints

	Mesh app.MeshConfig

	HealthInterval  time.Duration
	StaleThreshold  time.Duration
	FailedRetention time.Duration

	SpeakerInterval   time.Duration
	SpeakingThreshold uint8
}

func (o *Options) fillDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 30 * time.Second
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = 60 * time.Second
	}
	if o.SpeakerInterval <= 0 {
		o.SpeakerInterval = time.Second
	}
	if o.SpeakingThreshold == 0 {
		o.SpeakingThreshold = 40
	}
}

// RoomSession is one participant's live presence in a room.
type RoomSession struct {
	opts    Options
	channel core.SignalingChannel
	members core.MembershipSource

	reg    *app.Registry
	health *app.HealthMonitor
	mesh   *app.Mesh

	cancel  context.CancelFunc
	signals core.Subscription
	snaps   core.Subscription

	logger zerolog.Logger
}

// Join acquires local media, subscribes to signaling and membership, and
// starts the background tasks. A media acquisition failure is fatal to
// joining: the session does not start and the error surfaces to the caller.
func Join(
	ctx context.Context,
	opts Options,
	channel core.SignalingChannel,
	members core.MembershipSource,
	source core.MediaSource,
	factory func(remote domain.ParticipantID) core.ConnFactory,
) (*RoomSession, error) {
	opts.fillDefaults()
	logger := log.With().
		Str("module", "session").
		Str("room", string(opts.Room)).
		Str("self", string(opts.Self.ID)).
		Logger()

	local, err := source.AcquireLocalMedia(ctx, opts.Constraints)
	if err != nil {
		return nil, fmt.Errorf("acquire local media: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	tracks := app.LocalTracks{}
	if local.Audio != nil {
		tracks.Audio = media.NewFanout(local.Audio.Codec, "audio")
		if local.Audio.Source != nil {
			fanLogger := logger.With().Str("fanout", "audio").Logger()
			go tracks.Audio.Run(ctx, local.Audio.Source, &fanLogger)
		}
	}
	if local.Video != nil {
		tracks.Camera = media.NewFanout(local.Video.Codec, "video")
		if local.Video.Source != nil {
			fanLogger := logger.With().Str("fanout", "video").Logger()
			go tracks.Camera.Run(ctx, local.Video.Source, &fanLogger)
		}
	}

	reg := app.NewRegistry()
	health := app.NewHealthMonitor(opts.StaleThreshold, opts.FailedRetention)
	mesh := app.NewMesh(ctx, opts.Self, opts.Mesh, channel, reg, health, factory, tracks)
	health.OnStale(mesh.RequestICERestart)
	speaker := app.NewSpeakerDetector(reg, opts.SpeakingThreshold)

	s := &RoomSession{
		opts:    opts,
		channel: channel,
		members: members,
		reg:     reg,
		health:  health,
		mesh:    mesh,
		cancel:  cancel,
		logger:  logger,
	}

	sub, err := channel.Subscribe(ctx, opts.Self.ID, mesh.HandleSignal)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe signaling: %w", err)
	}
	s.signals = sub

	// Announce before watching membership so the first snapshot already
	// carries self; subscribing first would diff self out and back in.
	if err := members.Announce(ctx, opts.Room, opts.Self); err != nil {
		sub.Close()
		cancel()
		return nil, fmt.Errorf("announce presence: %w", err)
	}

	snaps, err := members.Subscribe(ctx, opts.Room, reg.ApplySnapshot)
	if err != nil {
		if werr := members.Withdraw(ctx, opts.Room, opts.Self.ID); werr != nil {
			logger.Warn().Err(werr).Msg("withdraw after failed subscribe")
		}
		sub.Close()
		cancel()
		return nil, fmt.Errorf("subscribe membership: %w", err)
	}
	s.snaps = snaps

	go mesh.Run(ctx)
	go health.Run(ctx, opts.HealthInterval)
	go speaker.Run(ctx, opts.SpeakerInterval)

	logger.Info().Msg("joined room")
	return s, nil
}

// Leave tears the session down in order: closing flag and peer
// notifications first, then task cancellation and connection close, then
// unsubscription. No task writes a signal after Leave returns.
func (s *RoomSession) Leave(ctx context.Context) {
	s.mesh.Leave(ctx)
	s.cancel()
	if err := s.members.Withdraw(ctx, s.opts.Room, s.opts.Self.ID); err != nil {
		s.logger.Warn().Err(err).Msg("withdraw presence")
	}
	s.snaps.Close()
	s.signals.Close()
	s.logger.Info().Msg("left room")
}

func (s *RoomSession) Participants() []domain.Participant { return s.reg.Snapshot() }
func (s *RoomSession) Links() []core.LinkInfo             { return s.mesh.Links() }
func (s *RoomSession) Self() domain.Participant           { return s.mesh.Self() }

func (s *RoomSession) SetMuted(m bool) error     { return s.announce(s.mesh.SetMuted(m)) }
func (s *RoomSession) SetCameraOn(on bool) error { return s.announce(s.mesh.SetCameraOn(on)) }

// StartScreenShare swaps outgoing video to the screen source on every link,
// in place: same-kind track replacement, no renegotiation.
func (s *RoomSession) StartScreenShare(src core.PacketSource) error {
	self, err := s.mesh.StartScreenShare(src, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	if err != nil {
		return err
	}
	return s.announce(self)
}

func (s *RoomSession) StopScreenShare() error {
	return s.announce(s.mesh.StopScreenShare())
}

func (s *RoomSession) announce(self domain.Participant) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.members.Announce(ctx, s.opts.Room, self); err != nil {
		return fmt.Errorf("announce media state: %w", err)
	}
	return nil
}
