// Fabric server: signaling relay, session manager, swarm delegate, and
// REST API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/api"
	"github.com/hivemesh/fabric/internal/bus"
	"github.com/hivemesh/fabric/internal/config"
	"github.com/hivemesh/fabric/internal/consensus"
	"github.com/hivemesh/fabric/internal/delegate"
	"github.com/hivemesh/fabric/internal/handoff"
	"github.com/hivemesh/fabric/internal/metrics"
	"github.com/hivemesh/fabric/internal/rbac"
	"github.com/hivemesh/fabric/internal/session"
	"github.com/hivemesh/fabric/internal/signaling"
	"github.com/hivemesh/fabric/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("environment", cfg.App.Environment).
		Msg("Starting fabric server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Event bus
	eventBus, err := bus.New(bus.Config{
		URL:  cfg.NATS.URL,
		Name: cfg.App.Name,
	})
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
	}
	defer eventBus.Close()

	// Access control. The static reference validator maps bearer tokens
	// to user ids; a deployment substitutes its verified token source
	// behind the same interfaces.
	var guard rbac.Guard = rbac.AllowAll{}
	tokens := rbac.BearerValidator{}
	if cfg.App.Environment == "production" {
		log.Warn().Msg("Running the allow-all guard in production")
	}

	// Handoff context store
	contextStore, err := handoff.NewRedisStore(handoff.RedisStoreConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("Failed to connect to Redis")
	}
	handoffs := handoff.NewManager(contextStore, eventBus)

	// Snapshot store; a missing database degrades to in-memory
	// persistence rather than refusing to start
	var snapshots store.SnapshotStore
	pgStore, err := store.NewPostgresStore(ctx, cfg.Database.DSN(), int32(cfg.Database.PoolSize))
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to PostgreSQL, snapshots are in-memory only")
		snapshots = store.NewMemoryStore()
	} else {
		defer pgStore.Close()
		snapshots = pgStore
	}

	// Signaling relay
	sigServer := signaling.NewServer(signaling.Config{
		HeartbeatInterval:         cfg.Signaling.HeartbeatInterval,
		MaxParticipantsPerSession: cfg.Signaling.MaxParticipantsPerSession,
	}, guard, tokens)
	go sigServer.Run(ctx)

	sigMux := http.NewServeMux()
	sigMux.HandleFunc(cfg.Signaling.Path, sigServer.HandleConnection)
	sigHTTP := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Signaling.Host, cfg.Signaling.Port),
		Handler: sigMux,
	}
	go func() {
		log.Info().Str("addr", sigHTTP.Addr).Str("path", cfg.Signaling.Path).Msg("Signaling relay listening")
		if err := sigHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Signaling server error")
		}
	}()

	// Core engines
	engine := consensus.NewEngine()
	sessions := session.NewManager(session.ManagerConfig{
		Defaults:       cfg.Session,
		SignalingURL:   fmt.Sprintf("ws://%s:%d%s", cfg.Signaling.Host, cfg.Signaling.Port, cfg.Signaling.Path),
		ConnectTimeout: cfg.Signaling.ConnectTimeout,
	}, guard, engine, handoffs, eventBus, snapshots, session.NewLoopbackFactory(0))

	delegates := delegate.New(cfg.Delegate, engine, handoffs, nil)

	// Metrics
	updater := metrics.NewUpdater(eventBus)
	if err := updater.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start metrics updater")
	}
	defer updater.Stop()

	metricsServer := metrics.NewServer(cfg.HTTP.MetricsPort, log.Logger)
	if err := metricsServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start metrics server")
	}

	// Session restore: subscribe first so recreate announcements made
	// during startup are not lost
	recreateSub, err := sessions.SubscribeRecreate()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to session recreate events")
	}
	defer recreateSub.Unsubscribe()

	announced, err := store.NewRestoreManager(snapshots, eventBus).Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Session restore sweep failed")
	} else if announced > 0 {
		log.Info().Int("sessions", announced).Msg("Announced saved sessions for restore")
	}

	// REST API
	apiServer := api.NewServer(api.Config{
		Host:      cfg.HTTP.Host,
		Port:      cfg.HTTP.Port,
		Sessions:  sessions,
		Delegates: delegates,
		Snapshots: snapshots,
		Tokens:    tokens,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- apiServer.Start()
	}()

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("API server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop API server gracefully")
	}
	if err := sigHTTP.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop signaling server gracefully")
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop metrics server gracefully")
	}

	log.Info().Msg("Server stopped")
}
