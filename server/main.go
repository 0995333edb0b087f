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

	"github.com/rs/zerolog/log"

	"trenches/bots"
	"trenches/config"
	"trenches/engine"
	"trenches/logger"
	"trenches/storage"
)

func main() {
	logger.Init("trenches")

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("open storage")
	}
	defer store.Close()

	market := engine.NewMarket(cfg.EngineConfig())
	swarm := bots.NewSupervisor(market, cfg.SwarmConfig())
	if cfg.Market.WarmupRounds > 0 {
		if err := swarm.Warmup(cfg.Market.WarmupRounds, cfg.Market.WarmupTrades); err != nil {
			log.Fatal().Err(err).Msg("warm up market")
		}
	}

	persister := storage.NewPersister(market, store, storage.PersisterConfig{
		AccountsInterval: cfg.Storage.AccountsInterval,
		MarketInterval:   cfg.Storage.MarketInterval,
	})
	srv := newServer(cfg, market, swarm)

	go market.Run(ctx)
	go srv.consumeUpdates()
	go persister.Run(ctx)
	if cfg.Bots.Enabled {
		go swarm.Start(ctx)
	}
	if cfg.Server.ResetInterval > 0 {
		go srv.resetEvery(ctx, cfg.Server.ResetInterval)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().
			Str("addr", cfg.Server.ListenAddr).
			Float64("price", cfg.Market.InitialPrice).
			Bool("bots", cfg.Bots.Enabled).
			Str("storage", cfg.Storage.Driver).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := persister.Flush(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final flush")
	}
	market.Stop()
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "file":
		return storage.NewFileStore(cfg.Dir)
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Timeout)
	case "none":
		return storage.Discard{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// resetEvery restores the market to its initial conditions on a fixed period.
func (s *server) resetEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reset(); err != nil {
				if errors.Is(err, engine.ErrStopped) {
					return
				}
				log.Error().Err(err).Msg("scheduled reset")
			}
		}
	}
}
