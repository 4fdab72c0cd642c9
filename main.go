package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"gridroyale/realtime/internal/auth"
	"gridroyale/realtime/internal/bridge"
	"gridroyale/realtime/internal/config"
	"gridroyale/realtime/internal/gateway"
	"gridroyale/realtime/internal/httpapi"
	"gridroyale/realtime/internal/journal"
	"gridroyale/realtime/internal/logging"
	"gridroyale/realtime/internal/matchmaking"
	"gridroyale/realtime/internal/presence"
	"gridroyale/realtime/internal/relay"
	"gridroyale/realtime/internal/rooms"
	"gridroyale/realtime/internal/store"
)

const (
	janitorInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//1.- Identity resolution: HMAC tokens in production, anonymous for local runs.
	var resolver auth.Resolver
	if cfg.InsecureAllowAnonymous {
		logger.Warn("anonymous connections enabled, token verification is off")
		resolver = auth.AllowAllResolver{}
	} else {
		tokenResolver, err := auth.NewTokenResolver(cfg.AuthSecret, cfg.AuthLeeway)
		if err != nil {
			logger.Fatal("token resolver setup failed", logging.Error(err))
		}
		resolver = tokenResolver
	}

	//2.- Redis backs persistence and the backend dispatch channel.
	if cfg.RedisURL == "" {
		logger.Fatal("REALTIME_REDIS_URL must be set")
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis url", logging.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup", logging.Error(err))
	}
	cancelPing()
	persistence := store.NewStore(rdb)

	//3.- Core coordination state.
	registry := rooms.NewRegistry(rooms.WithIdleTTL(cfg.RoomIdleTTL))
	queue := matchmaking.NewQueue()
	var journals relay.JournalFactory
	if cfg.JournalDir != "" {
		journalDir := cfg.JournalDir
		journals = func(roomCode string) (*journal.Writer, error) {
			writer, _, err := journal.NewWriter(journalDir, roomCode, time.Now)
			if err != nil {
				return nil, err
			}
			logger.Info("match journal opened",
				logging.String("room", roomCode),
				logging.String("directory", writer.Directory()))
			return writer, nil
		}
	}
	gameRelay := relay.NewRelay(registry, persistence, journals, logger)
	tracker := presence.NewTracker(persistence, logger)

	gw := gateway.New(cfg, gateway.Deps{
		Resolver: resolver,
		Presence: tracker,
		Queue:    queue,
		Rooms:    registry,
		Relay:    gameRelay,
		Store:    persistence,
		Logger:   logger,
	})

	//4.- Bridge backend notifications onto live connections, reconnecting on failure.
	dispatcher := bridge.NewDispatcher(rdb, cfg.DispatchChannel, gw, logger)
	go func() {
		for {
			err := dispatcher.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dispatch subscription lost, retrying", logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	//5.- Janitor: reclaim idle rooms and stale limiter buckets.
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if reclaimed := registry.SweepIdle(); reclaimed > 0 {
					logger.Info("idle rooms reclaimed", logging.Int("count", reclaimed))
				}
				gw.SweepLimiters()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:            logger,
		Stats:             gw,
		Rooms:             registry.Len,
		QueueDepth:        queue.Len,
		RelayedFrames:     gameRelay.Relayed,
		DispatchDelivered: dispatcher.Delivered,
		DispatchDropped:   dispatcher.Dropped,
		ReadyCheck: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	})
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("realtime service listening",
			logging.String("addr", cfg.Address),
			logging.Bool("tls", cfg.TLSCertPath != ""))
		if cfg.TLSCertPath != "" {
			errCh <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", logging.Error(err))
	}
	logger.Info("realtime service stopped")
}
