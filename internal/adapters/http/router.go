// Package http wires the REST surface and the signaling WebSocket.
package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	wsadapter "github.com/webrain25/kasyrooms/internal/adapters/signal"
	"github.com/webrain25/kasyrooms/internal/config"
	"github.com/webrain25/kasyrooms/internal/signal"
	"github.com/webrain25/kasyrooms/internal/store"
	"github.com/webrain25/kasyrooms/internal/wallet"
)

// API bundles what the handlers need.
type API struct {
	Cfg      *config.Config
	Store    store.Store
	Ledger   wallet.Ledger
	Registry *signal.Registry
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, api *API) *gin.Engine {
	cfg := api.Cfg
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("KasySessions", cookieStore))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	apiGroup := r.Group("/api")

	apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
	apiGroup.GET("/ice", api.GetICEServers)

	apiGroup.POST("/sessions/start", api.StartSession)
	apiGroup.POST("/sessions/:id/end", api.EndSession)
	apiGroup.GET("/sessions/:id", api.GetSession)

	apiGroup.GET("/wallet/balance", api.GetBalance)
	apiGroup.POST("/wallet/deposit", api.Deposit)
	apiGroup.POST("/wallet/withdrawal", api.Withdraw)
	apiGroup.GET("/wallet/transactions", api.GetTransactions)

	apiGroup.GET("/rooms", api.ListRooms)
	apiGroup.GET("/rooms/:id/members", api.RoomMembers)
	apiGroup.DELETE("/rooms/:id", JWTAuth(cfg.JWTSecret), api.EvictRoom)

	ctl := wsadapter.NewWSController(api.Registry, cfg.ReadLimit, cfg.PingPeriod)
	apiGroup.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
