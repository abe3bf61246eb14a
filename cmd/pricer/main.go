package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pricer/internal/broadcast"
	"pricer/internal/config"
	"pricer/internal/scheduler"
	"pricer/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("cannot load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL())
	if err != nil {
		logger.Error("cannot connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := &store.PostgresStore{Pool: pool, Logger: logger}
	if err := repo.Migrate(ctx); err != nil {
		logger.Error("cannot run migrations", "error", err)
		os.Exit(1)
	}

	var emitter broadcast.Emitter = broadcast.NopEmitter{}
	var srv *http.Server
	if cfg.Broadcast.Enabled {
		hub := broadcast.NewHub(logger)
		mux := http.NewServeMux()
		mux.Handle("/ws/prices", hub)
		srv = &http.Server{Addr: cfg.Broadcast.ListenAddr, Handler: mux}
		go func() {
			logger.Info("broadcast gateway listening", "addr", cfg.Broadcast.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("broadcast gateway failed", "error", err)
			}
		}()
		defer hub.Close()
		emitter = hub
	}

	sched := scheduler.New(logger, repo, emitter, scheduler.Options{
		Workers:   cfg.Engine.Workers,
		OpTimeout: time.Duration(cfg.Engine.OpTimeoutMS) * time.Millisecond,
		Source:    cfg.Engine.Source,
	})

	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler exited with error", "error", err)
	}

	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("gateway shutdown failed", "error", err)
		}
	}
	logger.Info("pricer: shutdown complete")
}
