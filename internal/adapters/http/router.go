// Package http exposes the local control API the surrounding UI drives the
// meeting session through.
package http

import (
	"context"

	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/dkeye/liveroom/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every control client a stable token. The token is
// also the participant identity the client joins rooms with.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg *session.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("LiveroomSessions", store))
	r.Use(ClientTokenMiddleware())

	api := &controlAPI{reg: reg}
	events := &eventsController{reg: reg}

	g := r.Group("/api")
	g.GET("/session", api.snapshot)
	g.POST("/session", api.open)
	g.DELETE("/session", api.close)
	g.PUT("/session/audio", api.setAudio)
	g.PUT("/session/video", api.setVideo)
	g.POST("/session/screen", api.startScreen)
	g.DELETE("/session/screen", api.stopScreen)
	g.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws events endpoint hit")
		events.handle(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
