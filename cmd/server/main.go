package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/admin"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/archive"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/bridge"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/broadcast"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/config"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/directory"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/gateway"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/ledger"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/presence"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/ratelimit"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store/redisstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	st, closeStore, err := openStore(ctx, clock, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open store")
	}
	defer closeStore()

	var sink ledger.RoundSink
	if cfg.Archive.Enabled {
		arc, err := archive.Connect(ctx, cfg.Archive.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect round archive")
		}
		defer arc.Close()
		if err := arc.CreateSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to provision archive schema")
		}
		sink = arc
	}

	limiter := ratelimit.New(ratelimit.DefaultRules(), clock)
	seq := broadcast.NewSequencer(st)
	ldg := ledger.New(st, seq, limiter, sink)
	auth := admin.New(st)

	presenceCfg := presence.DefaultConfig()
	presenceCfg.HeartbeatInterval = cfg.Presence.HeartbeatInterval
	presenceCfg.ContributorTimeout = cfg.Presence.ContributorTimeout
	presenceCfg.LeaderTimeout = cfg.Presence.LeaderTimeout
	presenceCfg.RemoveDelay = cfg.Presence.RemoveDelay
	tracker := presence.NewTracker(st, clock, presenceCfg)

	dir := directory.New(st, clock, limiter, tracker, seq, ldg, auth, directory.Config{
		RoomSettings: room.Settings{
			Capacity: cfg.Rooms.Capacity,
			CardSet:  cfg.Rooms.CardSet,
		},
		EmptyRoomGrace: cfg.Rooms.EmptyRoomGrace,
	})

	gw := gateway.NewService(gateway.DefaultConfig(), dir)
	gw.Start(ctx)

	if cfg.Bridge.Enabled {
		bcfg := bridge.DefaultConfig()
		bcfg.URL = cfg.Bridge.URL
		bcfg.StreamName = cfg.Bridge.Stream
		b, err := bridge.New(ctx, gw.Manager(), st, bcfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start NATS bridge")
		}
		defer b.Stop()
		go func() {
			if err := b.Run(ctx); err != nil {
				log.Error().Err(err).Msg("NATS bridge stopped")
			}
		}()
	}

	server := setupServer(cfg.Server, gw)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()

	log.Info().Msg("shutdown complete")
}

func setupServer(cfg config.ServerConfig, gw *gateway.Service) *http.Server {
	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// openStore builds the configured store backend and a cleanup func.
func openStore(ctx context.Context, clock clockwork.Clock, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		rs, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	default:
		ms := store.NewMemStore(clock)
		return ms, func() { ms.Close() }, nil
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
