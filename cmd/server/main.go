// Command server runs the chat transport backend: the ingress validator
// (C7), the persistence consumer pool (C3), and the HTTP/websocket edge
// (C8) all share one Redis client and one durable store connection.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/chat-transport/internal/bus"
	"github.com/tbourn/chat-transport/internal/config"
	"github.com/tbourn/chat-transport/internal/consumer"
	httpapi "github.com/tbourn/chat-transport/internal/http"
	"github.com/tbourn/chat-transport/internal/idempotency"
	"github.com/tbourn/chat-transport/internal/ingress"
	"github.com/tbourn/chat-transport/internal/observability"
	"github.com/tbourn/chat-transport/internal/presence"
	"github.com/tbourn/chat-transport/internal/receipts"
	"github.com/tbourn/chat-transport/internal/repo"
	"github.com/tbourn/chat-transport/internal/replay"
	"github.com/tbourn/chat-transport/internal/socket"
	"github.com/tbourn/chat-transport/internal/stream"
	"github.com/tbourn/chat-transport/internal/sysutil"
)

var buildVersion = "dev"

func main() {
	_ = godotenv.Load() // optional .env for local development; real deploys set env directly

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, buildVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Error().Err(err).Msg("otel shutdown failed")
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis unreachable")
	}
	defer rdb.Close()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("automigrate failed")
	}

	strm := stream.New(rdb, cfg.Stream.Partitions, cfg.Stream.VisibilityTimeout, cfg.Stream.RetryCeiling)
	if err := strm.EnsureGroups(ctx); err != nil {
		log.Fatal().Err(err).Msg("stream group setup failed")
	}
	idem := idempotency.New(rdb, cfg.IdempotencyTTL)
	presenceReg := presence.New(rdb, cfg.Presence.TTL)
	msgBus := bus.New(rdb)
	replayCache := replay.New(rdb, cfg.Replay.TTL, int64(cfg.Replay.MaxPerConversation))

	validator := ingress.New(db, idem, strm, cfg.RateRPS, cfg.RateBurst, cfg.MaxContentLength)
	tracker := receipts.New(db, msgBus)

	instanceID := sysutil.FirstNonEmpty(os.Getenv("INSTANCE_ID"), os.Getenv("HOSTNAME"), "instance-1")
	manager := socket.NewManager(instanceID, presenceReg, msgBus, validator, tracker, replayCache)

	pool := consumer.New(strm, db, msgBus, replayCache, cfg.Stream.ConsumerGroup+"-"+instanceID)
	go pool.Run(ctx)

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	httpapi.RegisterRoutes(router, httpapi.Deps{
		DB:        db,
		RDB:       rdb,
		Validator: validator,
		Sockets:   manager,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = srv.Close()
	}
	pool.Stop()
	log.Info().Msg("shutdown complete")
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Driver == "postgres" {
		return repo.OpenPostgres(cfg.DSN, cfg.PoolMax, cfg.PoolMin)
	}
	return repo.OpenSQLite(cfg.DSN)
}
