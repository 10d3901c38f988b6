package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshvoice/meshroom/internal/app"
	"github.com/meshvoice/meshroom/internal/config"
	"github.com/meshvoice/meshroom/internal/core"
	"github.com/meshvoice/meshroom/internal/domain"
	"github.com/meshvoice/meshroom/internal/httpapi"
	"github.com/meshvoice/meshroom/internal/media"
	"github.com/meshvoice/meshroom/internal/rtc"
	"github.com/meshvoice/meshroom/internal/session"
	"github.com/meshvoice/meshroom/internal/signaling"
)

var rootCmd = &cobra.Command{
	Use:   "meshroom",
	Short: "Mesh-topology room client for real-time audio/video",
}

var (
	flagRoom string
	flagName string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and hold the mesh until interrupted",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room id (overrides config)")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name (overrides config)")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagRoom != "" {
		cfg.Room = flagRoom
	}
	if flagName != "" {
		cfg.DisplayName = flagName
	}

	self, err := domain.NewParticipant(cfg.DisplayName)
	if err != nil {
		return err
	}

	channel, members, err := buildSignaling(cfg, *self)
	if err != nil {
		return err
	}

	webrtcCfg := rtc.Config(cfg.ICEServers)
	factory := func(remote domain.ParticipantID) core.ConnFactory {
		return rtc.Factory(webrtcCfg, remote)
	}

	opts := session.Options{
		Room:        domain.RoomID(cfg.Room),
		Self:        *self,
		Constraints: core.MediaConstraints{Audio: true, Video: true},
		Mesh: app.MeshConfig{
			FanOutCap:          cfg.MeshCap,
			NegotiationTimeout: cfg.NegotiationTimeout,
			ReconnectAttempts:  cfg.ReconnectAttempts,
			ReconnectBase:      cfg.ReconnectBase,
			ReconnectCap:       cfg.ReconnectCap,
		},
		HealthInterval:    cfg.HealthInterval,
		StaleThreshold:    cfg.StaleThreshold,
		FailedRetention:   cfg.FailedRetention,
		SpeakerInterval:   cfg.SpeakerInterval,
		SpeakingThreshold: cfg.SpeakingThreshold,
	}

	sess, err := session.Join(ctx, opts, channel, members, media.NewPipeMediaSource(), factory)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.StatusPort),
		Handler: httpapi.SetupRouter(cfg, sess),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	sess.Leave(leaveCtx)

	if err := srv.Shutdown(leaveCtx); err != nil {
		log.Error().Err(err).Msg("status server forced to shutdown")
	}
	log.Info().Msg("exited gracefully")
	return nil
}

func buildSignaling(cfg *config.Config, self domain.Participant) (core.SignalingChannel, core.MembershipSource, error) {
	switch cfg.Signaling {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return signaling.NewRedisChannel(client, domain.RoomID(cfg.Room)),
			signaling.NewRedisMembership(client), nil
	case "relay":
		// The relay handles point-to-point delivery; membership still goes
		// through redis, which the relay deployment provides.
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		ch := signaling.NewRelayChannel(cfg.RelayURL, cfg.Secret, domain.RoomID(cfg.Room), self.ID)
		return ch, signaling.NewRedisMembership(client), nil
	case "memory":
		broker := signaling.NewBroker()
		return broker.Channel(), broker, nil
	default:
		return nil, nil, fmt.Errorf("unknown signaling backend %q", cfg.Signaling)
	}
}
