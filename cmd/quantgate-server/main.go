package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coolbix/quantgate/internal/app"
	"github.com/coolbix/quantgate/internal/server"
)

func main() {
	// Deployment env files are optional; real environment wins either way.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to quantgate.toml (default: QUANTGATE_CONFIG, then binary dir)")
	flag.Parse()

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	// Workers and schedulers run before the HTTP surface accepts traffic
	// so queued tasks from a previous run resume immediately.
	a.Start()

	srv := server.NewServer(server.Deps{
		Config:        a.Config,
		Logger:        a.Logger,
		Orchestrator:  a.Orchestrator,
		Sync:          a.Basics,
		SyncStatus:    a.Storage.SyncStatus(),
		Valuation:     a.Valuation,
		Notifications: a.Notifications,
		Socket:        a.Orchestrator.Hub(),
		Redis:         a.Storage.Redis(),
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)).
		Msg("Server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	a.Logger.Info().Msg("Server stopped")
}
