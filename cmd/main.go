package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukepan/dj-rooms-back/internal/api"
	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/clocksync"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/db"
	"github.com/dukepan/dj-rooms-back/internal/gateway"
	"github.com/dukepan/dj-rooms-back/internal/observability"
	"github.com/dukepan/dj-rooms-back/internal/persistence"
	"github.com/dukepan/dj-rooms-back/internal/playback"
	"github.com/dukepan/dj-rooms-back/internal/rooms"
	"github.com/dukepan/dj-rooms-back/internal/session"
	"github.com/dukepan/dj-rooms-back/internal/utils"
	"github.com/dukepan/dj-rooms-back/internal/votes"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize OpenTelemetry
	otelCleanup, err := observability.InitOpenTelemetry("dj-rooms-backend", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	// Initialize structured logger
	logger := utils.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database and apply schema
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize database", "error", err)
	}
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal(ctx, "failed to apply database schema", "error", err)
	}

	// Initialize cache (Redis)
	redisCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize cache", "error", err)
	}

	// Connection manager for this instance's WebSocket clients
	manager := rooms.NewManager(logger)

	// Domain services
	clock := clocksync.NewService(redisCache, cfg, logger)
	coordinator := playback.NewCoordinator(redisCache, clock, redisCache, cfg, logger)
	engine := votes.NewEngine(database, redisCache, redisCache, cfg, logger)
	registry := session.NewRegistry(database, redisCache, coordinator, redisCache, manager, cfg, logger)

	// Persistence engine: batched chat writes and the cross-instance fan-out
	chatWriter := persistence.NewChatWriter(database, logger)
	fanout := persistence.NewFanout(redisCache, manager, logger)

	gw, err := gateway.NewGateway(gateway.Deps{
		Sessions: registry,
		Playback: coordinator,
		Votes:    engine,
		Clock:    clock,
		Repo:     database,
		Store:    redisCache,
		Chat:     chatWriter,
		Pub:      redisCache,
	}, cfg, logger)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize gateway", "error", err)
	}

	// Setup HTTP router
	router, err := api.NewRouter(database, redisCache, manager, registry, gw, cfg, logger)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize router", "error", err)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	chatWriter.Start(ctx)
	fanout.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Stop emitting playback syncs before taking the listener down so no
		// tick races the connection drain.
		coordinator.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "server error", "error", err)
	}

	gracefulShutdown(context.Background(), logger, manager, chatWriter, fanout, database, redisCache, otelCleanup)

	logger.Info(context.Background(), "application stopped")
}

// gracefulShutdown winds down the remaining components once the HTTP server
// has stopped accepting requests.
func gracefulShutdown(ctx context.Context, logger *utils.Logger, manager *rooms.Manager, chatWriter *persistence.ChatWriter, fanout *persistence.Fanout, database *db.Database, redisCache *cache.Cache, otelCleanup func(context.Context) error) {
	logger.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Close client connections with a going-away frame.
	manager.Shutdown(shutdownCtx)
	logger.Info(ctx, "connection manager stopped")

	// Flush buffered chat messages.
	chatWriter.Stop()
	logger.Info(ctx, "chat writer stopped")

	fanout.Stop()
	logger.Info(ctx, "fanout stopped")

	if err := database.Close(); err != nil {
		logger.Error(ctx, "database close error", "error", err)
	} else {
		logger.Info(ctx, "database connection closed")
	}

	if err := redisCache.Close(); err != nil {
		logger.Error(ctx, "redis cache close error", "error", err)
	} else {
		logger.Info(ctx, "redis cache connection closed")
	}

	if err := otelCleanup(shutdownCtx); err != nil {
		logger.Error(ctx, "opentelemetry shutdown error", "error", err)
	}
}
