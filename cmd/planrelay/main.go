// planrelay runs a board sync session against a document-store backend
// chosen by DSN, logging local and remote changes until interrupted. It is
// the reference embedding of the library.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/planrelay/planrelay/internal/board"
	"github.com/planrelay/planrelay/internal/docstore"
	"github.com/planrelay/planrelay/internal/mutation"
)

func main() {
	configPath := flag.String("config", "planrelay.toml", "path to TOML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	logger := initLogger(cfg.LogLevel)

	backend, err := docstore.Open(cfg.Backend, docstore.Options{Logger: logger})
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Backend).Msg("failed to open document store")
		os.Exit(1)
	}
	defer backend.Close()

	tracker := mutation.NewTracker(mutation.Options{
		Retention: cfg.Retention.Duration,
		Logger:    logger,
	})
	defer tracker.Close()

	store, err := board.NewStore(board.StoreOptions{
		Collection:       cfg.Collection,
		Backend:          backend,
		Tracker:          tracker,
		MaxWriteAttempts: cfg.MaxWriteAttempts,
		WriteRetryDelay:  cfg.WriteRetryDelay.Duration,
		Logger:           logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to build store")
		os.Exit(1)
	}
	defer store.Close()

	coordinator := board.NewCoordinator(store, board.CoordinatorOptions{
		Debounce: cfg.Debounce.Duration,
		Logger:   logger,
	})
	defer coordinator.Close()

	reconciler := board.NewReconciler(store, board.ReconcilerOptions{Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes, cancelWatch := store.Watch()
	defer cancelWatch()

	go func() {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("reconciler stopped")
		}
	}()

	logger.Info().
		Str("backend", cfg.Backend).
		Str("collection", cfg.Collection).
		Str("client", tracker.ClientID()).
		Msg("planrelay session started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return
		case change := <-changes:
			logger.Info().
				Str("op", string(change.Op)).
				Str("origin", string(change.Origin)).
				Str("record", change.ID).
				Str("bucket", change.Record.Bucket).
				Str("rank", change.Record.Rank).
				Msg("board changed")
		case failure := <-store.Failures():
			logger.Error().
				Err(failure.Err).
				Str("record", failure.ID).
				Str("kind", string(failure.Kind)).
				Int("attempts", failure.Attempts).
				Msg("write lost, local state diverged")
		case event := <-reconciler.Degraded():
			logger.Warn().
				Err(event.Err).
				Time("at", event.At).
				Msg("sync degraded")
		}
	}
}

func initLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", "planrelay").Logger().Level(parsed)
}
