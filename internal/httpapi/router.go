// Package httpapi exposes read-only session state for operating the room.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/meshroom/internal/config"
	"github.com/meshvoice/meshroom/internal/session"
)

func SetupRouter(cfg *config.Config, sess *session.RoomSession) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "httpapi").Int("port", cfg.StatusPort).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/self", func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Self())
	})

	api.GET("/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Participants())
	})

	api.GET("/links", func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Links())
	})

	return r
}
