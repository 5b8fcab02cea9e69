package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"docket/api"
	"docket/board"
	"docket/reconcile"
	"docket/remote"
	"docket/storage"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	groupings, err := reconcile.LoadGroupings(cfg.GroupingsFile)
	if err != nil {
		log.Fatalf("groupings: %v", err)
	}
	rec, err := reconcile.New(groupings)
	if err != nil {
		log.Fatalf("groupings: %v", err)
	}
	names := make([]string, 0, len(groupings))
	for _, g := range groupings {
		names = append(names, g.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	var drops api.DropLedger
	if cfg.RedisConn != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConn))
		defer rc.Close()
		drops = api.NewRedisDropLedger(rc, cfg.DeduperTTL)
	} else {
		logger.Warn("no redis configured; item lists are not cached and drops are not deduplicated")
	}
	cache := storage.NewCache(rc, cfg.CacheTTL, cfg.InvalidationChannel, names)

	var newStore api.StoreFactory
	switch cfg.Backend {
	case "rest":
		client := remote.New(cfg.RemoteBaseURL, cfg.RemoteToken, 0)
		newStore = func(userID string) board.RemoteStore {
			return cache.Wrap(userID, client)
		}
	case "azure":
		if cfg.Provision {
			if err := storage.Provision(ctx, cfg.StorageConn, []string{cfg.TasksTable}, []string{cfg.CommandQueue}); err != nil {
				log.Fatalf("provision: %v", err)
			}
			logger.Info("storage provisioned")
		}
		st, err := storage.New(cfg.StorageConn, cfg.TasksTable, cfg.CommandQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		newStore = func(userID string) board.RemoteStore {
			return cache.Wrap(userID, st.ForUser(userID))
		}
		projector := storage.NewProjector(st, st, cache, cfg.ProjectorPoll, logger)
		go projector.Run(ctx)
	}

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	dispatcher := board.NewDispatcher(board.DispatchConfig{
		Workers:        cfg.DispatchWorkers,
		Buffer:         cfg.DispatchBuffer,
		Timeout:        cfg.RemoteTimeout,
		HandoffTimeout: cfg.HandoffTimeout,
	}, logger)
	defer dispatcher.Close()

	ws := api.NewWorkspaces(rec, newStore, board.Options{
		Timeout:  cfg.RemoteTimeout,
		Toasts:   cfg.ToastDuration,
		Logger:   logger,
		Dispatch: dispatcher,
	})
	defer ws.Close()

	invalidations, unsubscribe := cache.Subscribe(ctx)
	defer unsubscribe()
	go ws.Watch(ctx, invalidations)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware(api.MaxBodySize))
	api.Register(e, ws, auth, drops, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	logger.Infof("docket listening on %s, backend: %s", cfg.ListenAddr, cfg.Backend)
	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}

func newAuth(cfg config) (*api.Auth, error) {
	if cfg.AuthSecret != "" {
		return api.NewAuth(api.AuthConfig{Secret: []byte(cfg.AuthSecret), Audience: cfg.Auth0Audience}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    cfg.Auth0Audience,
		Issuer:      "https://" + cfg.Auth0Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}), nil
}
