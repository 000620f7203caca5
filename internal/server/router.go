package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"linkbridge/internal/auth"
	"linkbridge/internal/handler"
	"linkbridge/internal/hub"
	"linkbridge/internal/linking"
	"linkbridge/internal/middleware"
)

type Deps struct {
	Linking      *linking.Service
	Hub          *hub.Hub
	TokenConfig  auth.TokenConfig
	AllowedRoles []string
	StartLimiter *middleware.RateLimiter
	Logger       *zap.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	linkHandler := &handler.LinkHandler{Service: deps.Linking, Logger: deps.Logger}

	link := r.Group("/v1/link")
	link.Use(middleware.RequireAuth(deps.TokenConfig), middleware.RequireRole(deps.AllowedRoles))
	link.POST("/start", middleware.RateLimitPerUser(deps.StartLimiter), linkHandler.Start)
	link.GET("/status", linkHandler.Status)
	link.POST("/second-factor", linkHandler.SecondFactor)
	link.POST("/reset", linkHandler.Reset)
	link.POST("/logout", linkHandler.Logout)
	link.GET("/account", linkHandler.Account)
	link.GET("/attempts", linkHandler.Attempts)

	wsHandler := &handler.WebSocketHandler{Hub: deps.Hub, TokenConfig: deps.TokenConfig, AllowedRoles: deps.AllowedRoles}
	r.GET("/ws", wsHandler.Serve)

	return r
}
