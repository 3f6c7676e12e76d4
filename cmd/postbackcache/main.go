package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/auth"
	"github.com/iurnickita/postbackcache/internal/config"
	"github.com/iurnickita/postbackcache/internal/handler"
	"github.com/iurnickita/postbackcache/internal/logger"
	"github.com/iurnickita/postbackcache/internal/scheduler"
	"github.com/iurnickita/postbackcache/internal/service"
	"github.com/iurnickita/postbackcache/internal/service/postbackclient"
	"github.com/iurnickita/postbackcache/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postback := postbackclient.NewPostbackClient(cfg.Service.PostbackURL, cfg.Service.PostbackTimeout)
	service := service.NewService(cfg.Service, store, postback, zaplog)
	auth := auth.NewAuth(cfg.Handler.AdminSecret, cfg.Handler.SessionTTL, zaplog)
	if cfg.Handler.AdminSecret == "" {
		zaplog.Warn("ADMIN_SECRET_TOKEN is not set, admin API is disabled")
	}

	scheduler, err := scheduler.NewScheduler(cfg.Scheduler, service, zaplog.Named("scheduler"))
	if err != nil {
		return err
	}
	go scheduler.Run(ctx)

	zaplog.Info("postbackcache starting", zap.String("postback_url", cfg.Service.PostbackURL))
	return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
}
