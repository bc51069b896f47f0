package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/logger"
	"github.com/Tyrowin/ticko-relay/internal/server"
)

func main() {
	// A missing .env is normal outside local development.
	envErr := godotenv.Load()

	cfg := server.NewConfigFromEnv()
	logger.Init(cfg.LogLevel)
	defer logger.Sync()
	log := logger.L()

	if envErr != nil {
		log.Debug("no .env file loaded", zap.Error(envErr))
	}
	log.Info("starting ticko relay", zap.String("node_id", cfg.NodeID), zap.String("port", cfg.Port))

	svc := server.NewService(cfg)
	if err := svc.Connect(context.Background()); err != nil {
		log.Fatal("connect backing services", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svc.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			log.Error("server stopped unexpectedly", zap.Error(err))
		}
	}

	if err := svc.Shutdown(svc.Config().ShutdownTimeout); err != nil {
		log.Error("graceful shutdown incomplete", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
