package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arena-server/internal/server"
)

func gracefulShutdown(log *slog.Logger, customServer *server.Server, httpServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Info("shutdown signal received, press Ctrl+C again to force")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Players are told first, while their sockets are still open.
	if err := customServer.Shutdown(ctx); err != nil {
		log.Error("error during server shutdown", "error", err)
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("http server forced to shutdown", "error", err)
	}

	done <- true
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(log)

	cfg := server.FromEnv()
	customServer, httpServer, err := server.NewServer(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	done := make(chan bool, 1)
	go gracefulShutdown(log, customServer, httpServer, done)

	log.Info("listening", "addr", httpServer.Addr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	<-done
	log.Info("graceful shutdown complete")
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}
