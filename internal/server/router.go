package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ogkauann/comunidade-beta/internal/auth"
	"github.com/ogkauann/comunidade-beta/internal/config"
	"github.com/ogkauann/comunidade-beta/internal/metrics"
	"github.com/ogkauann/comunidade-beta/internal/mw"
	"github.com/ogkauann/comunidade-beta/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, gateway *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms/:id/join", h.JoinRoom)
	authed.POST("/rooms/:id/leave", h.LeaveRoom)
	authed.POST("/direct-rooms", h.DirectRoom)

	// :id 在消息集合路由里是房间（ID 或名称），在单条消息路由里是消息 ID。
	authed.GET("/messages/:id", h.ListMessages)
	authed.GET("/messages/:id/search", h.SearchMessages)
	authed.POST("/messages", h.CreateMessage)
	authed.PATCH("/messages/:id", h.EditMessage)
	authed.DELETE("/messages/:id", h.DeleteMessage)
	authed.POST("/messages/:id/reactions", h.AddReaction)
	authed.DELETE("/messages/:id/reactions/:emoji", h.RemoveReaction)

	r.GET("/ws", gateway.Serve())

	return r
}
