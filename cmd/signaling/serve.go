package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/session-relay/config"
	"github.com/mossy-p/session-relay/internal/admin"
	"github.com/mossy-p/session-relay/internal/broadcast"
	"github.com/mossy-p/session-relay/internal/broker"
	"github.com/mossy-p/session-relay/internal/directory"
	"github.com/mossy-p/session-relay/internal/handlers"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/presence"
	"github.com/mossy-p/session-relay/internal/redis"
	"github.com/mossy-p/session-relay/internal/registry"
	"github.com/mossy-p/session-relay/internal/relay"
	"github.com/mossy-p/session-relay/internal/session"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.With().Str("module", "main").Logger()
	serverID := uuid.NewString()

	var redisClient *goredis.Client
	if cfg.Store.Driver == "redis" {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redis.Close(client)
		redisClient = client
		logger.Info().Msg("Redis connection established")
	}

	var store presence.Store
	switch cfg.Store.Driver {
	case "redis":
		store = presence.NewRedisStore(redisClient, cfg.Store.KeyTTL)
	default:
		store = presence.NewMemoryStore()
	}

	var dir directory.Directory
	switch cfg.Directory.Driver {
	case "sqlite":
		d, err := directory.OpenSQLite(ctx, cfg.Directory.Path)
		if err != nil {
			return err
		}
		dir = d
	default:
		dir = directory.NewMemory()
	}
	defer dir.Close()

	br, err := newBroker(cfg, redisClient, serverID)
	if err != nil {
		return err
	}
	defer br.Close()

	monitor := directory.NewMonitor(cfg.Directory.HealthInterval, map[string]directory.Pinger{
		"directory": dir,
		"presence":  store,
	})
	if err := monitor.WaitReady(ctx); err != nil {
		return err
	}
	go monitor.Run(ctx)

	defaultType, err := models.ParseSessionType(cfg.Session.DefaultType)
	if err != nil {
		return err
	}

	reg := registry.New()
	broadcaster := broadcast.New(store, reg, br, serverID)
	go func() {
		if err := broadcaster.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("remote event listener stopped")
		}
	}()

	manager := session.NewManager(store, dir, reg, broadcaster, session.Config{
		DefaultType:        defaultType,
		ConferenceCapacity: cfg.Session.ConferenceCapacity,
		CreatorGracePeriod: cfg.Session.CreatorGracePeriod,
	})
	defer manager.Shutdown()

	auth := admin.NewAuthenticator(cfg.Admin.Username, cfg.Admin.Password, cfg.JWTSecret, cfg.Admin.TokenTTL)
	control := admin.NewControl(manager)

	router := handlers.NewRouter(handlers.RouterDeps{
		Config:    cfg,
		Sessions:  handlers.NewSessionHandler(manager, control),
		Signaling: handlers.NewSignalingHandler(reg, manager, relay.New(reg, broadcaster), broadcaster, control, auth, cfg.WebSocket),
		Auth:      auth,
		Monitor:   monitor,
		Registry:  reg,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("server_id", serverID).
			Str("store", cfg.Store.Driver).Str("broker", br.Type()).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	logger.Info().Msg("Server exited gracefully")
	return nil
}

func newBroker(cfg *config.Config, client *goredis.Client, serverID string) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "redis":
		return broker.NewRedisBroker(client, cfg.Broker.ChannelPrefix), nil
	case "kafka":
		// every relay needs its own group to see every envelope
		groupID := cfg.Broker.Kafka.GroupID
		if groupID == "" {
			groupID = "relay-" + serverID
		}
		return broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.Topic, groupID)
	default:
		return broker.NewLocal(), nil
	}
}
