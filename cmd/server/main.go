// Cupo reservation engine — conversational reservations over chat.
//
// This is the main entry point for the engine server. It provides:
//   - Inbound message pipeline (normalize → extract → classify → reply)
//   - Three-tier intent cascade (keyword, similarity, LLM)
//   - Reservation flow with stock holds and payment checkouts
//   - Tenant catalog, conversation and stock endpoints
//   - In-memory store with snapshot persistence (zero config) or Postgres
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// run owns the cleanup defers; Fatal here would skip them.
	if err := run(); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("loaded .env")
	}

	log.Info().Msg("cupo engine starting...")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer srv.Store.Close()
	defer srv.ShutdownFunc(ctx)

	// Background sweep: abandons idle flows, releases their stock.
	go srv.Janitor.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		stop()
	}()

	log.Info().
		Int("port", srv.Port).
		Str("version", srv.Config.Version).
		Msg("cupo engine listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
