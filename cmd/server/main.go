package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/webrain25/kasyrooms/internal/adapters/http"
	"github.com/webrain25/kasyrooms/internal/billing"
	"github.com/webrain25/kasyrooms/internal/config"
	relay "github.com/webrain25/kasyrooms/internal/signal"
	"github.com/webrain25/kasyrooms/internal/store"
	"github.com/webrain25/kasyrooms/internal/wallet"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	var (
		sessions store.Store
		ledger   wallet.Ledger
	)
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		sessions = store.NewRedisStore(rdb)
		ledger = wallet.NewRedis(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis-backed store and ledger")
	} else {
		sessions = store.NewMemory()
		ledger = wallet.NewMemory()
		log.Info().Msg("in-memory store and ledger")
	}

	registry := relay.NewRegistry()
	scheduler := billing.NewScheduler(sessions, ledger, cfg.BillingTick)
	go scheduler.Run(ctx)

	api := &router.API{
		Cfg:      cfg,
		Store:    sessions,
		Ledger:   ledger,
		Registry: registry,
	}
	r := router.SetupRouter(ctx, api)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Kasyrooms server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
