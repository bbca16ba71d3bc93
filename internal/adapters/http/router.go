package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/adapters/storews"
	"github.com/dkeye/VoicePair/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware names the browser or CLI behind a request. Store
// connections are listed and kicked by this token.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		sess := sessions.Default(c)
		if sess.Get("ct") != token {
			sess.Set("ct", token)
			_ = sess.Save()
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, srv *storews.Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoicePairSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": srv.Hub.ConnectionCount(),
		})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/store", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws store endpoint hit")
		srv.HandleStore(ctx, c)
	})

	api.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Registry.List())
	})

	api.DELETE("/connections/:id", func(c *gin.Context) {
		if !srv.Registry.Kick(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such connection"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}
