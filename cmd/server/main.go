package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"batchdl/internal/app"
	"batchdl/internal/config"
	apphttp "batchdl/internal/http"
)

func main() {
	configFile := flag.String("config", "", "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		app.NewLogger(config.Config{}).Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth jwt secret is empty, the API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}

	if stack.Archiver != nil {
		go stack.Archiver.Run(ctx, stack.Service.SubscribeEvents(ctx))
	}

	if n, err := stack.Service.RecoverSessions(ctx); err != nil {
		logger.Warnf("recover sessions: %v", err)
	} else if n > 0 {
		logger.Infof("recovered %d sessions", n)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(stack.Service, stack.Archiver, apphttp.AuthConfig{
		JWTSecret:    cfg.Auth.JWTSecret,
		PasswordHash: cfg.Auth.PasswordHash,
		TokenTTL:     cfg.Auth.TokenTTL,
	}, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := stack.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("session shutdown: %v", err)
	}

	logger.Info("bye")
}
