package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/mentorflow/libs/config"
	"github.com/md-rashed-zaman/mentorflow/libs/db"
	"github.com/md-rashed-zaman/mentorflow/libs/httpx"
	"github.com/md-rashed-zaman/mentorflow/libs/kafkax"
	otelx "github.com/md-rashed-zaman/mentorflow/libs/otel"
	"github.com/md-rashed-zaman/mentorflow/libs/runtime"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/consumer"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/events"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/handlers"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/inbox"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/lock"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/storage"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/sweep"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/transition"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "transition-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	loc, err := config.Location("APPT_TIMEZONE", "Europe/London")
	if err != nil {
		panic(err)
	}

	var readyChecks []runtime.ReadyCheck

	var (
		st        store.Store
		inboxRepo consumer.Inbox
	)
	switch driver := config.String("STORE_DRIVER", "postgres"); driver {
	case "memory":
		logger.Warn("using in-memory appointment store; data is lost on restart")
		st = store.NewMemory()
		inboxRepo = inbox.NewMemory(0)
	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			panic(err)
		}
		pool, err := db.Open(ctx, dbURL, db.Options{
			MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
			AppName:  service,
		})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		docs := storage.NewDocumentStore(pool, logger)
		if err := docs.EnsureSchema(ctx); err != nil {
			logger.Error("schema setup failed", "err", err)
			panic(err)
		}
		go docs.Run(ctx)
		st = docs
		inboxRepo = inbox.NewRepository(pool)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	default:
		panic(fmt.Sprintf("STORE_DRIVER must be memory or postgres (got %q)", driver))
	}

	engineCfg := transition.Config{Location: loc}
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()

		engineCfg.Locker = lock.NewRedisLocker(rdb, logger, lock.RedisLockerConfig{
			TTL:      config.Seconds("LOCK_TTL_SECONDS", time.Minute),
			Prefix:   config.String("LOCK_PREFIX", "transition:lock"),
			FailOpen: config.Bool("LOCK_FAIL_OPEN", false),
		})
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: lock.ReadyCheck(rdb)})
		logger.Info("per-user pass lock enabled (redis)", "redis_addr", addr)
	} else {
		logger.Info("per-user pass lock is process local (no REDIS_ADDR)")
	}

	applierCfg := transition.ApplierConfig{Concurrency: config.Int("APPLY_CONCURRENCY", 4)}
	brokers := config.String("KAFKA_BROKERS", "")
	if brokers != "" {
		publisher := events.NewPublisher(events.PublisherConfig{
			Brokers: brokers,
			Topic:   config.String("KAFKA_MOVED_TOPIC", events.MovedEventType),
		})
		defer func() { _ = publisher.Close() }()
		applierCfg.Publisher = publisher
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	} else {
		logger.Warn("move events disabled (no kafka brokers configured)")
	}

	engine := transition.NewEngine(st, transition.NewApplier(st, logger, applierCfg), logger, engineCfg)
	defer engine.Close()

	sweeper, err := sweep.New(config.String("SWEEP_CRON", "*/5 * * * *"), engine, logger)
	if err != nil {
		panic(fmt.Errorf("SWEEP_CRON: %w", err))
	}
	go sweeper.Run(ctx)

	if brokers != "" {
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   config.String("KAFKA_TRIGGER_TOPIC", consumer.AppOpenedEventType),
		}, func(ctx context.Context, msg kafka.Message) error {
			userID, err := consumer.UserIDFromTrigger(msg)
			if err != nil {
				logger.Error("invalid app opened trigger", "err", err)
				return nil
			}
			_, err = engine.Activate(ctx, userID)
			if errors.Is(err, lock.ErrHeld) {
				logger.Info("pass already running elsewhere", "user_id", userID)
				return nil
			}
			return err
		})
		go eventConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handlers.NewAdminHandler(engine, st, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(30*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "transition")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second); err != nil {
		logger.Error("http server exited", "err", err)
	}
}
