package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goridesync/internal/config"
	"goridesync/internal/gateway"
	"goridesync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&logger.Config{
		Level:   logger.LogLevel(cfg.App.LogLevel),
		Format:  cfg.App.LogFormat,
		AppName: cfg.App.Name,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	var store gateway.Store
	redisStore, err := gateway.NewRedisStore(cfg.Redis)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, falling back to in-memory store")
		store = gateway.NewMemoryStore()
	} else {
		defer redisStore.Close()
		store = redisStore
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := gateway.NewHub(store, log)
	go hub.Run(ctx)

	handler := gateway.NewHandler(hub, store, cfg.Gateway, log)
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)

	server := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
	}

	go func() {
		log.WithField("addr", addr).Info("Gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Gateway server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Gateway shutdown failed")
	}
}
