package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chat-identity/internal/cache"
	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/handler"
	"github.com/chat-identity/internal/kafka"
	"github.com/chat-identity/internal/postgres"
	"github.com/chat-identity/internal/redis"
	"github.com/chat-identity/internal/resolver"
	"github.com/chat-identity/internal/roster"
	"github.com/chat-identity/internal/service"
	"github.com/chat-identity/internal/websocket"
	"github.com/chat-identity/internal/worker"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration before the logger so the level applies from the start
	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", cfgErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	nameIndex, err := redis.NewNameIndex(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer nameIndex.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	identityCache, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		logger.Error("failed to create identity cache", "error", err)
		os.Exit(1)
	}

	// The roster answers for connected players before anything remote is asked
	online := roster.New()
	chain := resolver.Chain{resolver.NewRosterResolver(online)}
	if cfg.Resolver.Enabled {
		chain = append(chain, resolver.NewHTTPClient(&cfg.Resolver, logger))
		logger.Info("external resolver enabled", "name_url", cfg.Resolver.NameURL)
	}

	writes := worker.NewWriteBehind(&cfg.Persistence, logger)
	if err := writes.Start(ctx); err != nil {
		logger.Error("failed to start write-behind worker", "error", err)
		os.Exit(1)
	}

	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	users := service.NewUserManager(identityCache, repo, chain, online, writes, &cfg.Cache, logger)
	users.SetNameIndex(nameIndex)
	users.SetNotifier(wsHub)
	wsHub.SetSnapshot(func(ctx context.Context, id uuid.UUID) (interface{}, error) {
		res := users.ProfileByUUID(ctx, id)
		if !res.OK() {
			return nil, res.Err
		}
		return users.Wrap(res.Profile).View(), nil
	})

	// Roster events from the game server
	var rosterConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		rosterConsumer, err = kafka.NewConsumer(&cfg.Kafka, users, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without roster events", "error", err)
		} else if err := rosterConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without roster events", "error", err)
			rosterConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	httpHandler := handler.NewHandler(users, wsHub, map[string]handler.Pinger{
		"redis":    nameIndex,
		"postgres": repo,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Persistence.ShutdownTimeout+10*time.Second)
	defer shutdownCancel()

	// Stop accepting roster events and requests before draining writes
	if rosterConsumer != nil {
		if err := rosterConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if err := users.Shutdown(shutdownCtx); err != nil {
		logger.Error("profile writes lost during shutdown", "error", err)
	}

	logger.Info("server stopped")
}
