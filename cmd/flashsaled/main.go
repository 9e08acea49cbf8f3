// Command flashsaled runs the flash-sale inventory reservation service: the
// HTTP API, the availability stream, the expiry sweeper, and the order
// reconciler.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flexype/flashsale/broadcast"
	"github.com/flexype/flashsale/config"
	"github.com/flexype/flashsale/middleware"
	"github.com/flexype/flashsale/models"
	"github.com/flexype/flashsale/observability/logging"
	"github.com/flexype/flashsale/orders"
	"github.com/flexype/flashsale/reservation"
	"github.com/flexype/flashsale/server"
	"github.com/flexype/flashsale/store"
	redisstore "github.com/flexype/flashsale/store/redis"

	authsvc "github.com/flexype/flashsale/auth"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("flashsaled", cfg.Env)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := goredis.NewClient(redisOpts)
	backend := redisstore.New(redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	cancel()

	tokens := authsvc.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	hub := broadcast.NewHub()
	audit := orders.NewAuditWriter(db)

	reservations := reservation.New(reservation.Config{
		Stock:          backend,
		Ledger:         backend,
		Idempotency:    backend,
		TTL:            cfg.ReservationTTL,
		IdempotencyTTL: cfg.IdempotencyTTL,
		MinQuantity:    cfg.MinQuantity,
		MaxQuantity:    cfg.MaxQuantity,
		Logger:         logger,
	})

	promoter := orders.New(orders.Config{
		DB:       db,
		Consumer: reservations,
		Logger:   logger,
	})

	observer := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "flashsaled",
		MetricsPrefix: "flashsale",
		LogRequests:   cfg.Env != "prod",
	}, logger)

	sweeper := reservation.NewSweeper(reservation.SweeperConfig{
		Service:  reservations,
		Audit:    audit,
		Notifier: hub,
		Interval: cfg.ExpiryCheckInterval,
		Logger:   logger,
		Released: observer.SweeperRelease.Inc,
	})
	go sweeper.Run(ctx)

	reconciler := orders.NewReconciler(db, cfg.ReconPendingCutoff, logger)
	go reconciler.Schedule(ctx, cfg.ReconInterval)

	api := server.New(server.Config{
		Runtime:      cfg,
		DB:           db,
		Auth:         tokens,
		Reservations: reservations,
		Promoter:     promoter,
		Audit:        audit,
		Hub:          hub,
		Limiter:      store.RateLimiter(backend),
		Observer:     observer,
		Logger:       logger,
		RedisPing: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}
}
