package http

import (
	"context"
	"crypto/sha256"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/adapters/signal"
	"github.com/dkeye/Ephemeral/internal/app/orch"
	"github.com/dkeye/Ephemeral/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Pinger reports whether the shared store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// sessionKeys derives the cookie authentication and encryption keys.
func sessionKeys(secret string) (auth, enc []byte) {
	a := sha256.Sum256([]byte("auth:" + secret))
	e := sha256.Sum256([]byte("enc:" + secret))
	return a[:], e[:]
}

// SignalSettings maps the socket part of the configuration.
func SignalSettings(cfg *config.Config) signal.Settings {
	return signal.Settings{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
		RateLimit:  cfg.RateLimit.Limit,
		RateWindow: cfg.RateLimit.Interval,
	}
}

func SetupRouter(cfg *config.Config, orch *orch.Orchestrator, ws *signal.SignalWSController, health Pinger) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	auth, enc := sessionKeys(cfg.Secret)
	store := cookie.NewStore(auth, enc)
	store.Options(sessions.Options{Path: "/", MaxAge: cfg.Rooms.MaxExpiry, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("EphemeralSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &roomsHandler{orch: orch, cfg: cfg}

	r.GET("/healthz", func(c *gin.Context) {
		if health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		if err := health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	rooms := r.Group("/rooms")
	rooms.POST("", h.create)
	rooms.GET("/:id", h.details)
	rooms.POST("/:id/join", h.join)
	rooms.POST("/:id/leave", h.leave)
	rooms.POST("/:id/close", h.close)
	rooms.GET("/:id/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws room endpoint hit")
		ws.HandleRoom(c)
	})

	log.Info().Str("module", "adapters.http").Str("public_url", cfg.PublicURL).Msg("router setup")
	return r
}
