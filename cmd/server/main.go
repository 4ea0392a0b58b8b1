package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/app"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/db"
	"github.com/suPer8Hu/tenant-chat/internal/events"
	"github.com/suPer8Hu/tenant-chat/internal/feedback"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/tenant-chat/internal/logger"
	"github.com/suPer8Hu/tenant-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/tenant-chat/internal/store/redisstore"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"github.com/suPer8Hu/tenant-chat/internal/tracer"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogFilePath, cfg.IsProduction())
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := tracer.Init(ctx, cfg.OtelEnabled, cfg.OtelEndpoint, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN, !cfg.IsProduction())
	if err := db.Migrate(gdb, app.Entities()...); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	if cfg.AnonEnabled {
		if err := tenant.NewRepo(gdb).EnsureTenant(ctx, cfg.DemoTenantID, "Demo"); err != nil {
			log.Fatal("seed demo tenant", zap.Error(err))
		}
	}

	deps := app.Deps{DB: gdb, Log: log}

	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbit publisher", zap.Error(err))
		}
		defer pub.Close()
		deps.Jobs = pub
	} else {
		log.Warn("RABBIT_URL not set, failed bookkeeping stays queued in the database")
	}

	if cfg.NatsURL != "" {
		ev, err := events.NewPublisher(cfg.NatsURL, log)
		if err != nil {
			log.Warn("nats unavailable, turn events disabled", zap.Error(err))
		} else {
			defer ev.Close()
			deps.Events = ev
		}
	}

	svc, err := app.ChatService(cfg, deps)
	if err != nil {
		log.Fatal("chat service", zap.Error(err))
	}

	var limiter middleware.Limiter
	if cfg.RedisAddr != "" && cfg.TurnRateLimit > 0 {
		rs, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		defer rs.Close()
		limiter = redisstore.NewFixedWindowLimiter(rs.Client, "ratelimit:turns", cfg.TurnRateLimit, time.Minute)
	}

	h := handlers.NewHandler(svc, feedback.NewLinker(gdb, log), log)
	r := httpapi.NewRouter(h, cfg, limiter, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server started", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), chat.DefaultFinalizeTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
