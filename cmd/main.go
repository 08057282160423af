package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/messaging-core/internal/api"
	"github.com/fathima-sithara/messaging-core/internal/auth"
	"github.com/fathima-sithara/messaging-core/internal/cache"
	"github.com/fathima-sithara/messaging-core/internal/config"
	"github.com/fathima-sithara/messaging-core/internal/delivery"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/handlers"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/logger"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	lg, err := logger.New(logger.Config{Env: cfg.App.Env, Service: "messaging-core"})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	var validator *auth.Validator
	if cfg.JWT.Alg == "RS256" {
		validator, err = auth.NewRS256Validator(cfg.JWT.PublicKeyPath)
	} else {
		validator, err = auth.NewHS256Validator(cfg.JWT.HSSecret)
	}
	if err != nil {
		lg.Fatalw("jwt validator init", "err", err)
	}

	ctx := context.Background()
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		lg.Fatalw("mongo connect", "err", err)
	}
	store := repository.NewStore(mongoClient.Database(cfg.Mongo.DB))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg)
	recent := cache.NewRecent(rdb, cfg.Redis.Prefix, lg)

	registry := presence.NewRegistry(rdb, cfg.Redis.Prefix, lg)
	h := hub.New(store, lg)
	registry.SetBroadcaster(h)

	engine := delivery.NewEngine(store, h, registry, producer, recent, lg)

	wsHandler := handlers.NewWSHandler(h, engine, registry, validator, cfg.App.RatePerMinute, lg)
	restHandler := handlers.NewRestHandler(engine, store, registry, lg)

	srv := api.NewServer(cfg, validator, wsHandler, restHandler, mongoClient, rdb, lg)

	errs := make(chan error, 1)
	go func() { errs <- srv.Listen() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case e := <-errs:
		lg.Fatalw("server error", "err", e)
	case s := <-sig:
		lg.Infow("signal received", "signal", s.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(); err != nil {
		lg.Warnw("server shutdown", "err", err)
	}
	h.CloseAll()
	registry.Shutdown(shutdownCtx)
	if err := producer.Close(); err != nil {
		lg.Warnw("producer close", "err", err)
	}
	if err := rdb.Close(); err != nil {
		lg.Warnw("redis close", "err", err)
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		lg.Warnw("mongo disconnect", "err", err)
	}
	lg.Infow("shutdown complete")
}
