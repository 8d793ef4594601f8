// Package main runs one capture session: join a Space, record it locally and
// relay it to the sink until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/config"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/auth"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/discovery"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/driver"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/rooms"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/session"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/sessionlog"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/database"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/queue"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Log.Level)
	code := run(cfg, logger)
	_ = logger.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, logger *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jwtService *auth.JWTService
	if cfg.JWT.Secret != "" {
		jwtService = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	}
	deps := session.Wire(cfg, jwtService, logger)

	// Persistence and the backup queue are optional; the session runs without them.
	if cfg.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), 4, logger)
		if err != nil {
			logger.Error("database", zap.Error(err))
			return 1
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Error("migrate", zap.Error(err))
			return 1
		}
		deps.Sessions = sessionlog.NewRepository(pool)
		deps.Rooms = rooms.NewRepository(pool)
	}
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Error("redis", zap.Error(err))
			return 1
		}
		defer rdb.Close()
		deps.Backups = queue.NewQueue(rdb.Client, logger)
		if cfg.Session.Follow && cfg.Session.RoomURL == "" {
			deps.Discover = followRooms(discovery.NewRedisPublisher(rdb.Client, logger), logger)
		}
	} else if cfg.Session.Follow {
		logger.Warn("SESSION_FOLLOW needs REDIS_ADDR; falling back to discovery")
	}

	runner := session.NewRunner(cfg, deps, logger)
	err := runner.Run(ctx)
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return 0
	}
	logger.Error("capture session failed", zap.Error(err))
	if p := driver.DiagnosticPath(err); p != "" {
		fmt.Fprintf(os.Stderr, "diagnostic snapshot: %s\n", p)
	}
	return 1
}

// followRooms waits for the next room the monitor announces.
func followRooms(sub *discovery.RedisPublisher, logger *zap.Logger) func(context.Context) (models.Room, error) {
	return func(ctx context.Context) (models.Room, error) {
		found := make(chan models.Room, 1)
		cancel, err := sub.Subscribe(ctx, func(r models.Room) {
			select {
			case found <- r:
			default:
			}
		})
		if err != nil {
			return models.Room{}, err
		}
		defer cancel()
		logger.Info("waiting for a new room", zap.String("channel", discovery.ChannelNewRooms))
		select {
		case r := <-found:
			return r, nil
		case <-ctx.Done():
			return models.Room{}, ctx.Err()
		}
	}
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
