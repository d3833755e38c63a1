package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/comments/internal/auth"
	"github.com/xiaot623/gogo/comments/internal/cache"
	"github.com/xiaot623/gogo/comments/internal/config"
	internalhttp "github.com/xiaot623/gogo/comments/internal/http"
	"github.com/xiaot623/gogo/comments/internal/hub"
	"github.com/xiaot623/gogo/comments/internal/media"
	"github.com/xiaot623/gogo/comments/internal/mutation"
	"github.com/xiaot623/gogo/comments/internal/policy"
	"github.com/xiaot623/gogo/comments/internal/query"
	store "github.com/xiaot623/gogo/comments/internal/repository"
	"github.com/xiaot623/gogo/comments/internal/session"
	"github.com/xiaot623/gogo/comments/internal/ws"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (overrides CONFIG_PATH env)")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	logger := setupLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("starting comments service", "env", cfg.Env, "ws_port", cfg.Server.WSPort, "http_port", cfg.Server.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("comments service failed", "err", err)
		os.Exit(1)
	}
	logger.Info("comments service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Storage
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	layer := cache.NewLayer(backend, cfg.Cache.TTL)
	defer layer.Close()

	images, err := openImages(ctx, cfg)
	if err != nil {
		return err
	}

	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.Policy.Path)
	if err != nil {
		return err
	}

	// Initialize hub
	roomHub := hub.NewHub(hub.DefaultEventBuffer)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go roomHub.Run(hubCtx)

	engine := query.NewEngine(st, layer, cfg.Listing.MaxPageSize, cfg.Listing.MaxReplyDepth)
	processor := media.NewProcessor(cfg.Media.MaxBytes, cfg.Media.ThumbWidth, cfg.Media.ThumbHeight).
		WithMaxPixels(cfg.Media.MaxPixels)
	pipeline := mutation.New(st, layer, roomHub, policyEngine, processor, images, cfg.WS.Room)
	authenticator := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, st)

	// Initialize WebSocket server
	wsServer := ws.NewServer(cfg, authenticator, session.Deps{
		Hub:         roomHub,
		Query:       engine,
		Mutations:   pipeline,
		Room:        cfg.WS.Room,
		CreateRate:  cfg.WS.CreateRate,
		MaxPageSize: cfg.Listing.MaxPageSize,
	})

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsServer.Register(wsEcho)
	if cfg.Media.Backend == "disk" {
		wsEcho.Static("/media", cfg.Media.Root)
	}

	// Initialize internal HTTP server
	httpServer := internalhttp.NewServer(roomHub, pipeline, st, authenticator)

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.WSPort)
		slog.Info("websocket server listening", "addr", addr)
		if err := wsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
		slog.Info("internal http server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("internal http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-errCh:
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if serr := wsEcho.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("websocket server shutdown", "err", serr)
	}
	wsServer.Close()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("internal http server shutdown", "err", serr)
	}

	return err
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DB.Driver {
	case "postgres":
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := store.NewPostgresStore(dbCtx, cfg.DB.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		slog.Info("postgres connected")
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.DB.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		slog.Info("sqlite opened", "path", cfg.DB.URL)
		return s, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.RedisURL == "" {
		return cache.NewMemoryCache(), nil
	}
	c, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL, "")
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}
	slog.Info("redis cache connected")
	return c, nil
}

func openImages(ctx context.Context, cfg *config.Config) (media.ImageStore, error) {
	if cfg.Media.Backend == "minio" {
		s, err := media.NewMinioStore(ctx, media.MinioConfig{
			Endpoint:      cfg.Media.S3.Endpoint,
			AccessKey:     cfg.Media.S3.AccessKey,
			SecretKey:     cfg.Media.S3.SecretKey,
			Bucket:        cfg.Media.S3.Bucket,
			PublicBaseURL: cfg.Media.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("open minio: %w", err)
		}
		return s, nil
	}
	return media.NewDiskStore(cfg.Media.Root)
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
