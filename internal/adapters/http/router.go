package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/adapters/signal"
	"github.com/dkeye/callbridge/internal/app/orch"
	"github.com/dkeye/callbridge/internal/auth"
	"github.com/dkeye/callbridge/internal/config"
)

const clientTokenKey = "ct"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every browser a stable id kept in the session
// cookie, so reconnects of the same widget can be correlated in logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, verifier auth.Verifier) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no session secret configured, using an ephemeral one")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("CallBridgeSession", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(o.Metrics.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(o, verifier,
		signal.NewConnRateLimiter(cfg.RateLimit, cfg.RateInterval),
		signal.Options{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			PongWait:   cfg.PongWait,
			WriteWait:  cfg.WriteWait,
			SendBuffer: cfg.SendBuffer,
		})

	api := r.Group("/api")

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Stats())
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("browser", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
