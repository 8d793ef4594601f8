// Package main polls the room listing, records room snapshots and announces
// newly live rooms on Redis.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/config"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/discovery"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/rooms"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/session"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/database"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var roomRepo *rooms.Repository
	if cfg.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), 4, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		roomRepo = rooms.NewRepository(pool)
	}

	var publisher *discovery.RedisPublisher
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		publisher = discovery.NewRedisPublisher(rdb.Client, logger)
	}
	if roomRepo == nil && publisher == nil {
		logger.Warn("no database or redis configured; new rooms are only logged")
	}

	d, closeFn, err := session.NewDiscoverer(cfg, logger)
	if err != nil {
		logger.Fatal("discovery", zap.Error(err))
	}
	defer closeFn()

	filters := session.DiscoveryFilters(cfg.Discovery)
	logger.Info("monitor started",
		zap.String("mode", filters.Mode),
		zap.Duration("interval", cfg.Discovery.Interval),
	)
	d.Monitor(ctx, filters, cfg.Discovery.Interval, func(fresh []models.Room) {
		for _, r := range fresh {
			logger.Info("new room",
				zap.String("room_id", r.ID),
				zap.String("title", r.Title),
				zap.Int("listeners", r.Listeners),
				zap.String("url", r.URL),
			)
		}
		if roomRepo != nil {
			if err := roomRepo.UpsertAll(ctx, fresh); err != nil {
				logger.Warn("store rooms", zap.Error(err))
			}
		}
		if publisher != nil {
			if err := publisher.Publish(ctx, fresh); err != nil {
				logger.Warn("publish rooms", zap.Error(err))
			}
		}
	})
	logger.Info("monitor stopped")
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := zcfg.Build()
	return logger
}
