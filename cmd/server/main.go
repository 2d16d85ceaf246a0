package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Ephemeral/internal/adapters/http"
	wsignal "github.com/dkeye/Ephemeral/internal/adapters/signal"
	"github.com/dkeye/Ephemeral/internal/adapters/store"
	"github.com/dkeye/Ephemeral/internal/app"
	"github.com/dkeye/Ephemeral/internal/app/orch"
	"github.com/dkeye/Ephemeral/internal/config"
	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	rdb, err := store.NewClient(ctx, store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable")
	}
	defer func() { _ = rdb.Close() }()

	var secrets core.SecretPolicy = core.PlainSecret{}
	if cfg.Security.HashPasswords {
		secrets = core.BcryptSecret{Cost: cfg.Security.BcryptCost}
	}

	registry := store.NewRegistry(rdb, secrets, cfg.NodeID)
	conns := app.NewConnectionManager(app.SimplePolicy{})
	bridge := app.NewPubSubBridge(ctx, store.NewBus(rdb), conns, cfg.Bridge.PollInterval)
	conns.SetActivityHook(bridge)
	bridge.OnFatal = func(roomID domain.RoomID, err error) {
		log.Error().Err(err).Str("room_id", string(roomID)).Msg("room listener lost, closing local connections")
		conns.CloseRoom(roomID, nil)
	}
	owners := app.NewOwnerLifecycleMonitor(registry, bridge)

	orch := &orch.Orchestrator{
		Registry: registry,
		Conns:    conns,
		Bridge:   bridge,
		Presence: app.NewPresenceCoordinator(bridge),
		Owners:   owners,
		Secrets:  secrets,
		MaxText:  cfg.Rooms.MaxTextLen,
	}

	reconciler := app.NewReconciler(registry, conns, owners, cfg.ReconcileInterval)
	go reconciler.Run(ctx)

	ws := wsignal.NewSignalWSController(orch, router.SignalSettings(cfg))
	r := router.SetupRouter(cfg, orch, ws, store.NewHealth(rdb))
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("node_id", cfg.NodeID).Msg("Ephemeral server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	orch.Shutdown("server shutting down")
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("sockets did not finish disconnecting in time")
	}
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("room listeners did not stop in time")
	}
	log.Info().Msg("Server exited gracefully")
}
