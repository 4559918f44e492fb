package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ppc-rules-engine/internal/api"
	"ppc-rules-engine/internal/config"
	"ppc-rules-engine/internal/engine"
	"ppc-rules-engine/internal/listener"
	"ppc-rules-engine/internal/predictor"
	"ppc-rules-engine/internal/storage"
	"ppc-rules-engine/internal/validation"
)

func Run(cfg config.Config) {
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFormat)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		store api.RuleStore
		pg    *storage.Store
	)
	if cfg.Postgres.Host == "" {
		log.Warn().Msg("postgres host not configured; using in-memory store")
		store = storage.NewMemory()
	} else {
		var err error
		pg, err = storage.New(rootCtx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("init storage")
		}
		defer pg.Close()
		store = pg
	}

	// Engine
	eng := engine.NewEngine(buildPredictor(rootCtx, cfg))
	if err := eng.BuildSnapshot(rootCtx, store); err != nil {
		log.Fatal().Err(err).Msg("initial snapshot build")
	}

	// HTTP
	h := api.NewRuleHandler(eng, store)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Router(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Listener (LISTEN/NOTIFY)
	if pg != nil {
		go listener.ListenAndRefresh(rootCtx, pg, eng, cfg.Listener.Channel, cfg.Backoff())
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel() // stop background goroutines
	_ = srv.Shutdown(shCtx)
}

// buildPredictor returns nil when prediction is disabled. A Redis outage at
// startup downgrades to the uncached predictor instead of failing.
func buildPredictor(ctx context.Context, cfg config.Config) validation.BidPredictor {
	if !cfg.Predictor.Enabled {
		return nil
	}
	var p validation.BidPredictor = predictor.NewHeuristic()
	if !cfg.Redis.Enabled {
		return p
	}
	client, err := predictor.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn().Err(err).Msg("prediction cache disabled")
		return p
	}
	log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.PredictionTTL()).Msg("prediction cache enabled")
	return predictor.NewCached(client, p, cfg.PredictionTTL())
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
