package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedback-calls/internal/auth"
	"feedback-calls/internal/config"
	"feedback-calls/pkg/logger"
	"feedback-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	if cfg.App.AutoMigrate {
		if err := migrate(rootCtx, db); err != nil {
			log.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		log.Info("schema applied")
	}

	app, err := buildApp(cfg, db, rdb, log)
	if err != nil {
		log.Error("app wiring failed", "err", err)
		os.Exit(1)
	}

	// Background workers: job runner first so scheduled work drains while events arrive.
	if err := app.runner.Start(rootCtx); err != nil {
		log.Error("job runner start failed", "err", err)
		os.Exit(1)
	}
	if err := app.monitor.Start(rootCtx); err != nil {
		log.Error("monitor start failed", "err", err)
		os.Exit(1)
	}
	if app.listener != nil {
		if err := app.listener.Start(rootCtx); err != nil {
			log.Error("verification listener start failed", "err", err)
			os.Exit(1)
		}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(app.metrics.Middleware())

	registerRoutes(r, app, auth.RequireAccessToken(authManager), db, rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "providers", cfg.Telephony.Providers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Stop intake before workers so no new events race the drain.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if app.listener != nil {
		if err := app.listener.Stop(shutdownCtx); err != nil {
			log.Error("listener shutdown failed", "err", err)
		}
	}
	if err := app.monitor.Stop(shutdownCtx); err != nil {
		log.Error("monitor shutdown failed", "err", err)
	}
	if err := app.runner.Stop(shutdownCtx); err != nil {
		log.Error("job runner shutdown failed", "err", err)
	}
	log.Info("shutdown complete")
}
