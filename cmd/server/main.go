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

	"codeduel-backend/internal/api"
	"codeduel-backend/internal/api/handlers"
	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/config"
	"codeduel-backend/internal/events"
	"codeduel-backend/internal/judge"
	"codeduel-backend/internal/logging"
	"codeduel-backend/internal/queue"
	"codeduel-backend/internal/sessions"
	"codeduel-backend/internal/storage"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance", cfg.Server.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := storage.NewStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	clock := clockwork.NewRealClock()

	hub := sessions.NewHub(64, logger)
	bus := events.NewBus(store.Redis.Client(), hub, logger)
	matchQueue := queue.NewRedisMatchQueue(store.Redis.Client(), cfg.Battle.QueueTTL, logger)

	coordinator := battle.NewCoordinator(battle.Deps{
		Sessions: store.Sessions,
		Queue:    matchQueue,
		Events:   bus,
		Users:    store.DB.Users(),
		Problems: store.DB.Problems(),
		History:  store.History,
		Clock:    clock,
		Logger:   logger,
	}, battle.Options{
		RatingThreshold: cfg.Battle.RatingThreshold,
		DefaultDuration: int(cfg.Battle.DefaultDuration / time.Second),
	})

	ticker := battle.NewTicker(store.Sessions, coordinator, bus, clock, logger)

	processor, err := queue.NewProcessor(queue.ProcessorConfig{
		RedisURL:     cfg.Redis.URL,
		Concurrency:  cfg.Battle.JudgeConcurrency,
		TickInterval: cfg.Battle.TickInterval,
		Clustered:    cfg.Battle.ClusteredTicks,
		Clock:        clock,
	}, ticker, coordinator, judge.NewClient(cfg.Judge.URL, cfg.Judge.Timeout), logger)
	if err != nil {
		return err
	}
	coordinator.SetJudgeDispatcher(processor)

	battleHandler := handlers.NewBattleHandler(coordinator, logger)
	wsManager := sessions.NewWSManager(hub, coordinator, bus, logger)

	r := api.NewRouter(&api.Dependencies{
		Health:        store,
		BattleHandler: battleHandler,
		MatchHandler:  handlers.NewMatchHandler(battleHandler, matchQueue),
		WebSocket:     wsManager.HandleBattleWebSocket,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bus.Run(ctx)
	})
	g.Go(func() error {
		return processor.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
