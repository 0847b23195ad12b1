package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/relay"
)

func main() {
	logger.SetPrefix("relay")
	logger.Info("starting relay service")
	cfg := config.Load()

	memlog := relay.NewMemlog()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := relay.NewHub(cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	h := relay.NewHandler(hub, memlog, cfg.CORSAllowedOrigins, cfg.EventRatePerSec, cfg.EventRateBurst)
	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Infof("relay listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	hubCancel()
	hubWg.Wait()
	logger.Info("relay stopped")
}
