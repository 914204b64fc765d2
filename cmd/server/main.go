package main

import (
	"context"
	"time"

	"github.com/ogkauann/comunidade-beta/internal/config"
	"github.com/ogkauann/comunidade-beta/internal/db"
	"github.com/ogkauann/comunidade-beta/internal/history"
	"github.com/ogkauann/comunidade-beta/internal/hub"
	clog "github.com/ogkauann/comunidade-beta/internal/log"
	"github.com/ogkauann/comunidade-beta/internal/moderation"
	"github.com/ogkauann/comunidade-beta/internal/notify"
	"github.com/ogkauann/comunidade-beta/internal/pipeline"
	"github.com/ogkauann/comunidade-beta/internal/presence"
	"github.com/ogkauann/comunidade-beta/internal/server"
	"github.com/ogkauann/comunidade-beta/internal/service"
	"github.com/ogkauann/comunidade-beta/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 负责加载配置、初始化日志、连接数据库并组装各组件后启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// 进程级共享状态：房间注册表和输入状态追踪器，随进程创建和销毁。
	h := hub.NewHub()
	tracker := presence.NewTracker(h, time.Duration(cfg.TypingTTLSeconds)*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	userSvc := service.NewUserService(gdb, cfg)
	roomSvc := service.NewRoomService(gdb, h)
	msgSvc := service.NewMessageService(gdb)
	pager := history.NewPager(history.NewGormStore(gdb), cfg.DefaultPageSize)

	notifier := notify.NewLogNotifier()
	checker := moderation.NewWordFilter(cfg.ModerationBlocklist)
	reporter := moderation.NewReporter(gdb, notifier, userSvc.Moderators)

	pipe := pipeline.New(msgSvc, roomSvc, checker, notifier, h, time.Duration(cfg.AdapterTimeoutSeconds)*time.Second)
	gateway := ws.NewGateway(cfg, gdb, h, tracker, pipe, roomSvc, pager, reporter)
	handler := server.NewHandler(userSvc, roomSvc, pipe, pager)

	r := server.SetupRouter(cfg, gdb, handler, gateway)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
