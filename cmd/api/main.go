package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/config"
	"github.com/zhouzirui/bookstore-chat/backend/internal/handler"
	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/middleware"
	"github.com/zhouzirui/bookstore-chat/backend/internal/service/events"
	"github.com/zhouzirui/bookstore-chat/backend/internal/service/profile"
	"github.com/zhouzirui/bookstore-chat/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	// Message events are optional; the store falls back to a no-op publisher
	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled() {
		natsPublisher, err := events.NewNATSPublisher(events.NATSConfig{URL: cfg.Events.NATSURL, Subject: cfg.Events.Subject})
		if err != nil {
			logger.Warn("NATS 不可用，跳过消息事件发布", zap.Error(err))
		} else {
			publisher = natsPublisher
			logger.Info("message events enabled", zap.String("subject", cfg.Events.Subject))
		}
	}
	defer publisher.Close()

	messages, err := openStore(cfg.Store, publisher)
	if err != nil {
		logger.Error("failed to open message store", zap.Error(err))
		os.Exit(1)
	}
	defer messages.Close()

	// Profile directory: redis when configured, otherwise in memory
	var profiles profile.Directory = profile.NewMemoryDirectory(nil)
	if cfg.Profile.Enabled() {
		redisDir, err := profile.NewRedisDirectory(ctx, profile.RedisConfig{
			Addr:     cfg.Profile.RedisAddr,
			Password: cfg.Profile.RedisPassword,
			DB:       cfg.Profile.RedisDB,
		})
		if err != nil {
			logger.Warn("Redis 不可用，资料查询回退到内存实现", zap.Error(err))
		} else {
			profiles = redisDir
			defer redisDir.Close()
			logger.Info("profile directory backed by redis", zap.String("addr", cfg.Profile.RedisAddr))
		}
	}

	limiter := middleware.NewRateLimiter(cfg.Chat.SendRPS, cfg.Chat.SendBurst)
	router := handler.NewRouter(messages, profiles, limiter)

	startServer(ctx, cfg.Server, router)
}

func openStore(cfg config.StoreConfig, publisher events.Publisher) (store.Store, error) {
	switch cfg.Driver {
	case config.StorePebble:
		s, err := store.OpenPebble(cfg.PebblePath, store.WithPublisher(publisher))
		if err != nil {
			return nil, err
		}
		logger.Info("message store opened", zap.String("driver", cfg.Driver), zap.String("path", cfg.PebblePath))
		return s, nil
	default:
		logger.Info("message store opened", zap.String("driver", config.StoreMemory))
		return store.NewMemoryStore(store.WithPublisher(publisher)), nil
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("bookstore chat backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
