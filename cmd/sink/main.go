// Package main runs the relay sink: websocket ingest for capture agents,
// live listening, sink-side recording and the operator HTTP API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/config"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/auth"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/middleware"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/realtime"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/recorder"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/rooms"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/sessionlog"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/database"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/redis"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx := context.Background()

	if cfg.Sink.RequireToken && cfg.JWT.Secret == "" {
		logger.Fatal("SINK_REQUIRE_TOKEN is set but JWT_SECRET is empty")
	}
	var jwtService *auth.JWTService
	if cfg.JWT.Secret != "" {
		jwtService = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	}

	rec := recorder.NewService(cfg.Sink.OutputDir, logger)

	var hub *realtime.Hub
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, redisPubSub, redisPubSub, rec)
	} else {
		hub = realtime.NewHub(logger, nil, nil, rec)
	}
	hub.SetEndHandler(func(info models.LiveRelay, reason string) {
		logger.Info("relay session summary",
			zap.String("session_id", info.SessionID),
			zap.String("room_url", info.RoomURL),
			zap.String("reason", reason),
			zap.Int64("bytes_received", info.BytesReceived),
			zap.Duration("duration", time.Since(info.ConnectedAt).Round(time.Second)),
			zap.String("recording", info.Recording),
		)
	})

	var producerAuth, listenerAuth realtime.Authorizer
	if cfg.Sink.RequireToken {
		producerAuth = func(token, sessionID string) error {
			_, err := jwtService.ValidateFor(token, sessionID, auth.RoleProducer, auth.RoleOperator)
			return err
		}
		listenerAuth = func(token, sessionID string) error {
			_, err := jwtService.ValidateFor(token, sessionID, auth.RoleListener, auth.RoleOperator)
			return err
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(config.SplitTrim(cfg.Sink.CORSAllowedOrigins, ",")))
	router.Use(middleware.Logger(logger, "/health"))

	sinkHandler := realtime.NewHandler(hub)
	router.GET("/health", sinkHandler.Health)

	// Websockets (token in query or Authorization header)
	router.GET("/ws/ingest", realtime.ServeIngest(hub, producerAuth, logger))
	router.GET("/ws/listen", realtime.ServeListen(hub, listenerAuth, logger))

	if jwtService != nil {
		keyHash, err := auth.OperatorKeyHash(cfg.Sink.OperatorKey, cfg.Sink.OperatorKeyHash)
		if err != nil {
			logger.Fatal("hash operator key", zap.Error(err))
		}
		authHandler := auth.NewHandler(keyHash, jwtService, logger)
		router.POST("/auth/token", authHandler.IssueToken)

		api := router.Group("")
		api.Use(middleware.JWT(jwtService), middleware.RequireRole(auth.RoleOperator))
		api.GET("/sessions", sinkHandler.ListSessions)

		if cfg.Database.Enabled() {
			pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), 10, logger)
			if err != nil {
				logger.Fatal("database", zap.Error(err))
			}
			defer pool.Close()
			if err := database.Migrate(ctx, pool, logger); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}

			var presign sessionlog.Presigner
			if s3Client := newS3(ctx, cfg.AWS, logger); s3Client != nil {
				presign = s3Client
			}
			historyHandler := sessionlog.NewHandler(sessionlog.NewRepository(pool), presign)
			api.GET("/history", historyHandler.List)
			api.GET("/history/:id", historyHandler.Get)
			api.GET("/history/:id/backup", historyHandler.Backup)

			roomsHandler := rooms.NewHandler(rooms.NewRepository(pool))
			api.GET("/rooms", roomsHandler.ListTop)
			api.GET("/rooms/:id", roomsHandler.Get)
		}
	} else {
		logger.Warn("JWT_SECRET not set; operator endpoints disabled")
	}

	// WriteTimeout stays zero: it would cut long-lived websocket connections.
	srv := &http.Server{
		Addr:              ":" + cfg.Sink.Port,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Sink.ReadTimeout) * time.Second,
	}

	go func() {
		logger.Info("sink listening", zap.String("port", cfg.Sink.Port), zap.Bool("require_token", cfg.Sink.RequireToken))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	rec.StopAll()
	logger.Info("sink stopped")
}

// newS3 returns nil when S3 is not configured or fails to initialize.
func newS3(ctx context.Context, c config.AWSConfig, logger *zap.Logger) *storage.S3 {
	if c.Region == "" || c.BackupsBucket == "" {
		return nil
	}
	client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               c.Region,
		AccessKeyID:          c.AccessKeyID,
		SecretAccessKey:      c.SecretAccessKey,
		BackupsBucket:        c.BackupsBucket,
		PresignExpireMinutes: c.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Warn("s3 disabled", zap.Error(err))
		return nil
	}
	return client
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
